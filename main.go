package main

import (
	"os"

	"github.com/choraleia/chromepool/pkg/utils"
)

func main() {
	// Initialize logging system
	utils.InitLogger()

	if err := Execute(); err != nil {
		utils.GetLogger().Error("Command failed", "error", err)
		os.Exit(1)
	}
}
