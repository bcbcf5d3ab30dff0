package relay

import (
	"errors"
	"fmt"
	"math"

	"github.com/aporia-zero/peernet/pkg/types"
)

var (
	ErrMalformedTransaction = errors.New("malformed transaction")
	ErrNoInputs             = errors.New("transaction has no inputs")
	ErrNoOutputs            = errors.New("transaction has no outputs")
	ErrDuplicateKeyImage    = errors.New("transaction spends a key image twice")
	ErrMixedGenerating      = errors.New("generating input must be the only input")
	ErrZeroAmount           = errors.New("zero output amount")
	ErrAmountOverflow       = errors.New("amount overflow")
	ErrOutputsExceedInputs  = errors.New("outputs exceed inputs")
	ErrInvalidMultisig      = errors.New("invalid multisignature output")
)

// Verifier decides whether a transaction may enter the pool. Real signature
// and ring checks belong to the core and are plugged in through this
// interface.
type Verifier interface {
	Verify(tx *types.Transaction) error
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(tx *types.Transaction) error

// Verify calls f.
func (f VerifierFunc) Verify(tx *types.Transaction) error { return f(tx) }

// BasicVerifier performs the structural checks that need no chain state.
type BasicVerifier struct{}

// Verify implements Verifier.
func (BasicVerifier) Verify(tx *types.Transaction) error {
	if len(tx.Inputs) == 0 {
		return ErrNoInputs
	}
	if len(tx.Outputs) == 0 {
		return ErrNoOutputs
	}
	if err := validateInputs(tx); err != nil {
		return err
	}
	if err := validateOutputs(tx); err != nil {
		return err
	}
	return validateAmounts(tx)
}

func validateInputs(tx *types.Transaction) error {
	for i, in := range tx.Inputs {
		switch in := in.(type) {
		case types.BaseInput:
			if len(tx.Inputs) != 1 {
				return ErrMixedGenerating
			}
		case types.KeyInput:
			if len(in.OutputIndexes) == 0 {
				return fmt.Errorf("input %d: %w: empty ring", i, ErrMalformedTransaction)
			}
		case types.MultisignatureInput:
			if in.SignatureCount == 0 {
				return fmt.Errorf("input %d: %w: no signatures", i, ErrMalformedTransaction)
			}
		}
	}
	if !tx.KeyImagesUnique() {
		return ErrDuplicateKeyImage
	}
	return nil
}

func validateOutputs(tx *types.Transaction) error {
	for i, out := range tx.Outputs {
		if out.Amount == 0 {
			return fmt.Errorf("output %d: %w", i, ErrZeroAmount)
		}
		if ms, ok := out.Target.(types.MultisignatureOutput); ok {
			if ms.RequiredSignatureCount == 0 || int(ms.RequiredSignatureCount) > len(ms.Keys) {
				return fmt.Errorf("output %d: %w: %d of %d keys", i, ErrInvalidMultisig, ms.RequiredSignatureCount, len(ms.Keys))
			}
		}
	}
	return nil
}

func validateAmounts(tx *types.Transaction) error {
	var in, out uint64
	for _, input := range tx.Inputs {
		amount := types.InputAmount(input)
		if amount > math.MaxUint64-in {
			return ErrAmountOverflow
		}
		in += amount
	}
	for _, output := range tx.Outputs {
		if output.Amount > math.MaxUint64-out {
			return ErrAmountOverflow
		}
		out += output.Amount
	}

	// A generating input mints the outputs; there is nothing to balance.
	if _, generating := tx.Inputs[0].(types.BaseInput); generating {
		return nil
	}
	if out > in {
		return fmt.Errorf("%w: %d > %d", ErrOutputsExceedInputs, out, in)
	}
	return nil
}
