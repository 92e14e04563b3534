package pool

import "os"

// AutomationControlledFlag hides navigator.webdriver from pages.
const AutomationControlledFlag = "--disable-blink-features=AutomationControlled"

var ciArgs = []string{"--disable-gpu", "--no-sandbox", "--disable-setuid-sandbox"}

// DefaultArgs returns the flags prepended to every launch. When the CI
// environment variable is set, sandbox and GPU flags that containers
// commonly need are added.
func DefaultArgs() []string {
	args := []string{AutomationControlledFlag}
	if os.Getenv("CI") != "" {
		args = append(args, ciArgs...)
	}
	return args
}

// mergeArgs prepends defaults not already present in args.
func mergeArgs(defaults, args []string) []string {
	seen := make(map[string]bool, len(args))
	for _, a := range args {
		seen[a] = true
	}
	out := make([]string, 0, len(defaults)+len(args))
	for _, d := range defaults {
		if !seen[d] {
			out = append(out, d)
			seen[d] = true
		}
	}
	return append(out, args...)
}
