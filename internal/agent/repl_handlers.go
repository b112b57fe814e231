package agent

import (
	"context"
	"errors"
	"fmt"
)

// handleState prints the current flow state
func (r *REPL) handleState() error {
	RenderState(r.out, r.debugger.State())
	return nil
}

// handleNext executes the current step and prints the resulting state
func (r *REPL) handleNext(ctx context.Context) error {
	before := r.debugger.State().OAuthStep
	state, err := r.debugger.Step(ctx)
	RenderState(r.out, state)
	if err != nil {
		if errors.Is(err, ErrAuthorizationCodeRequired) {
			fmt.Fprintln(r.out, "Use 'code <value>' to provide the authorization code, then 'next'.")
			return nil
		}
		return err
	}
	r.logger.Success("%s -> %s", before, state.OAuthStep)
	if state.OAuthStep == StepAuthorizationCode {
		fmt.Fprintln(r.out, "Open the authorization URL ('url'), then provide the code with 'code <value>'.")
	}
	return nil
}

// handleRun executes steps until the flow completes or a step fails
func (r *REPL) handleRun(ctx context.Context) error {
	state, err := r.debugger.Run(ctx)
	RenderState(r.out, state)
	if err != nil {
		if errors.Is(err, ErrAuthorizationCodeRequired) {
			fmt.Fprintln(r.out, "No authorization code was provided. Use 'code <value>' and 'run' again.")
			return nil
		}
		return err
	}
	r.logger.Success("OAuth flow complete")
	return nil
}

// handleCode stores the authorization code for the next step
func (r *REPL) handleCode(code string) error {
	if _, err := r.debugger.SetAuthorizationCode(code); err != nil {
		return err
	}
	fmt.Fprintln(r.out, "Authorization code set. Use 'next' to continue.")
	return nil
}

// handleURL prints the authorization URL of the current flow
func (r *REPL) handleURL() error {
	authURL := r.debugger.State().AuthorizationURL
	if authURL == "" {
		return fmt.Errorf("no authorization URL yet, run the %s step first", StepAuthorizationRedirect)
	}
	fmt.Fprintln(r.out, authURL)
	return nil
}

// handleReset starts a new flow
func (r *REPL) handleReset(args []string) error {
	all := false
	for _, arg := range args {
		switch arg {
		case "--all", "-a", "all":
			all = true
		default:
			return fmt.Errorf("usage: reset [--all]")
		}
	}

	state, err := r.debugger.Reset(all)
	if err != nil {
		return err
	}
	if all {
		fmt.Fprintln(r.out, "Stored client registration and tokens cleared.")
	}
	RenderState(r.out, state)
	return nil
}
