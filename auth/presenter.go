package auth

import "fmt"

// DeviceCodePrompt is what a UserCodePresenter renders to the operator.
type DeviceCodePrompt struct {
	Email           string
	VerificationURI string
	UserCode        string
	ExpiresIn       int
}

// UserCodePresenter displays a device-code prompt to whoever is running the
// agent. Pluggable so tests can assert on prompts without capturing stdout
// (see §9 design notes).
type UserCodePresenter interface {
	Present(prompt DeviceCodePrompt)
}

// StdoutPresenter prints device-code prompts to standard output, matching
// the banner text bot-auth clients in the pack print during device-code
// flows.
type StdoutPresenter struct{}

// Present writes prompt to stdout.
func (StdoutPresenter) Present(prompt DeviceCodePrompt) {
	fmt.Printf("\nSign in for %s:\n", prompt.Email)
	fmt.Printf("    open %s\n", prompt.VerificationURI)
	fmt.Printf("    enter code %s\n", prompt.UserCode)
	fmt.Printf("(code expires in %ds)\n\n", prompt.ExpiresIn)
}
