package main

import (
	"context"
	"fmt"
	"log"

	"github.com/tunaaoguzhann/paygate/access"
	"github.com/tunaaoguzhann/paygate/core"
	"github.com/tunaaoguzhann/paygate/deduction"
)

type calculation struct {
	in deduction.Input
}

func (c calculation) Check() error { return c.in.Validate(deduction.DefaultParams()) }

func (c calculation) Run() (deduction.Result, error) {
	return deduction.Compute(c.in, deduction.DefaultParams())
}

func main() {
	manager, err := core.NewManager(core.Config{
		Store:  core.NewMemoryStore(),
		Signer: core.NewSigner("my-secret-key-12345"),
	})
	if err != nil {
		log.Fatalf("Failed to create manager: %v", err)
	}
	ctx := context.Background()
	store := access.NewLocalStore(manager)

	_, token, err := manager.Issue(ctx, core.TokenSingleUse)
	if err != nil {
		log.Fatalf("Failed to issue token: %v", err)
	}
	fmt.Printf("Issued single-use token: %s\n", token)

	op := calculation{in: deduction.Input{
		FilingStatus:       deduction.Single,
		Income:             50000,
		Tips:               2000,
		OvertimeTotal:      1000,
		OvertimeMultiplier: 1.5,
	}}

	gate := access.NewGate(token, store, access.DefaultPolicy())
	if res := gate.Validate(ctx); !res.Valid {
		log.Fatalf("Token refused: %s", res.Message)
	}

	out, err := access.RequestConsumeAndRun[deduction.Result](ctx, gate, op, access.ConsumeOptions{Confirmed: true})
	if err != nil {
		log.Fatalf("Calculation failed: %v", err)
	}
	fmt.Printf("Total deduction: %.2f (remaining uses: %d, gate: %s)\n", out.Result.Total, out.Remaining, out.State)

	_, err = access.RequestConsumeAndRun[deduction.Result](ctx, gate, op, access.ConsumeOptions{Confirmed: true})
	fmt.Printf("\nAs expected, the token cannot be used twice: %s\n", core.KindOf(err).Message())

	again := access.NewGate(token, store, access.DefaultPolicy())
	res := again.Validate(ctx)
	fmt.Printf("A new visit with the same link is refused too: %s\n", res.Message)
}
