// Command policy-guard-server serves guard checks for the guards linked into
// this binary. Synthesized guard modules build their own server that links
// their guards; this one carries none and only validates arguments.
package main

import "github.com/triage-ai/palisade/services/policy_guard/guardserver"

func main() {
	guardserver.Main()
}
