package types

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// InputType tags the closed set of transaction input kinds.
type InputType uint8

const (
	InputTypeInvalid InputType = iota
	InputTypeGenerating
	InputTypeKey
	InputTypeMultisignature
)

func (t InputType) String() string {
	switch t {
	case InputTypeGenerating:
		return "generating"
	case InputTypeKey:
		return "key"
	case InputTypeMultisignature:
		return "multisignature"
	default:
		return "invalid"
	}
}

// OutputType tags the closed set of transaction output kinds.
type OutputType uint8

const (
	OutputTypeInvalid OutputType = iota
	OutputTypeKey
	OutputTypeMultisignature
)

func (t OutputType) String() string {
	switch t {
	case OutputTypeKey:
		return "key"
	case OutputTypeMultisignature:
		return "multisignature"
	default:
		return "invalid"
	}
}

// TransactionInput is implemented only by BaseInput, KeyInput and
// MultisignatureInput.
type TransactionInput interface {
	Type() InputType
	isInput()
}

// BaseInput creates coins in a coinbase transaction.
type BaseInput struct {
	BlockIndex uint32
}

// KeyInput spends outputs referenced by global index and proves ownership
// with a key image.
type KeyInput struct {
	Amount        uint64
	OutputIndexes []uint32
	KeyImage      common.Hash
}

// MultisignatureInput spends a multisignature output.
type MultisignatureInput struct {
	Amount         uint64
	SignatureCount uint8
	OutputIndex    uint32
}

func (BaseInput) Type() InputType           { return InputTypeGenerating }
func (KeyInput) Type() InputType            { return InputTypeKey }
func (MultisignatureInput) Type() InputType { return InputTypeMultisignature }

func (BaseInput) isInput()           {}
func (KeyInput) isInput()            {}
func (MultisignatureInput) isInput() {}

// OutputTarget is implemented only by KeyOutput and MultisignatureOutput.
type OutputTarget interface {
	Type() OutputType
	isTarget()
}

// KeyOutput pays to a one-time public key.
type KeyOutput struct {
	Key common.Hash
}

// MultisignatureOutput requires RequiredSignatureCount of Keys to spend.
type MultisignatureOutput struct {
	Keys                   []common.Hash
	RequiredSignatureCount uint8
}

func (KeyOutput) Type() OutputType            { return OutputTypeKey }
func (MultisignatureOutput) Type() OutputType { return OutputTypeMultisignature }

func (KeyOutput) isTarget()            {}
func (MultisignatureOutput) isTarget() {}

// TransactionOutput is an amount locked to a target.
type TransactionOutput struct {
	Amount uint64
	Target OutputTarget
}

// Transaction is the relay-level view of a transaction. Signatures are
// carried opaquely.
type Transaction struct {
	Version    uint8
	UnlockTime uint64
	Inputs     []TransactionInput
	Outputs    []TransactionOutput
	Extra      []byte
	Signatures [][]byte
}

var (
	ErrUnknownInputType  = errors.New("unknown transaction input type")
	ErrUnknownOutputType = errors.New("unknown transaction output type")
	ErrWrongInputType    = errors.New("unexpected transaction input type")
	ErrWrongOutputType   = errors.New("unexpected transaction output type")
	ErrIndexOutOfRange   = errors.New("index out of range")
)

// RequiredSignatures returns how many signatures an input must carry.
func RequiredSignatures(in TransactionInput) int {
	switch v := in.(type) {
	case KeyInput:
		return len(v.OutputIndexes)
	case MultisignatureInput:
		return int(v.SignatureCount)
	default:
		return 0
	}
}

// InputAmount returns the amount spent by an input. Coinbase inputs spend
// nothing.
func InputAmount(in TransactionInput) uint64 {
	switch v := in.(type) {
	case KeyInput:
		return v.Amount
	case MultisignatureInput:
		return v.Amount
	default:
		return 0
	}
}

// InputChecked returns input i if it has the wanted type.
func (tx *Transaction) InputChecked(i int, want InputType) (TransactionInput, error) {
	if i < 0 || i >= len(tx.Inputs) {
		return nil, fmt.Errorf("input %d: %w", i, ErrIndexOutOfRange)
	}
	in := tx.Inputs[i]
	if in.Type() != want {
		return nil, fmt.Errorf("input %d is %s, want %s: %w", i, in.Type(), want, ErrWrongInputType)
	}
	return in, nil
}

// OutputChecked returns output i if its target has the wanted type.
func (tx *Transaction) OutputChecked(i int, want OutputType) (TransactionOutput, error) {
	if i < 0 || i >= len(tx.Outputs) {
		return TransactionOutput{}, fmt.Errorf("output %d: %w", i, ErrIndexOutOfRange)
	}
	out := tx.Outputs[i]
	if out.Target == nil || out.Target.Type() != want {
		return TransactionOutput{}, fmt.Errorf("output %d: %w", i, ErrWrongOutputType)
	}
	return out, nil
}

// KeyImagesUnique reports whether no key image is spent twice.
func (tx *Transaction) KeyImagesUnique() bool {
	seen := make(map[common.Hash]struct{}, len(tx.Inputs))
	for _, in := range tx.Inputs {
		ki, ok := in.(KeyInput)
		if !ok {
			continue
		}
		if _, dup := seen[ki.KeyImage]; dup {
			return false
		}
		seen[ki.KeyImage] = struct{}{}
	}
	return true
}

// TotalInput sums the spent amounts.
func (tx *Transaction) TotalInput() uint64 {
	var sum uint64
	for _, in := range tx.Inputs {
		sum += InputAmount(in)
	}
	return sum
}

// TotalOutput sums the output amounts.
func (tx *Transaction) TotalOutput() uint64 {
	var sum uint64
	for _, out := range tx.Outputs {
		sum += out.Amount
	}
	return sum
}

// Wire encoding: every variant travels as (tag, rlp body).

type taggedItem struct {
	Tag  uint8
	Body rlp.RawValue
}

type wireOutput struct {
	Amount uint64
	Target taggedItem
}

type wireTransaction struct {
	Version    uint8
	UnlockTime uint64
	Inputs     []taggedItem
	Outputs    []wireOutput
	Extra      []byte
	Signatures [][]byte
}

// EncodeTransaction serializes tx with RLP.
func EncodeTransaction(tx *Transaction) ([]byte, error) {
	w := wireTransaction{
		Version:    tx.Version,
		UnlockTime: tx.UnlockTime,
		Extra:      tx.Extra,
		Signatures: tx.Signatures,
	}
	for _, in := range tx.Inputs {
		body, err := rlp.EncodeToBytes(in)
		if err != nil {
			return nil, err
		}
		w.Inputs = append(w.Inputs, taggedItem{Tag: uint8(in.Type()), Body: body})
	}
	for _, out := range tx.Outputs {
		if out.Target == nil {
			return nil, ErrUnknownOutputType
		}
		body, err := rlp.EncodeToBytes(out.Target)
		if err != nil {
			return nil, err
		}
		w.Outputs = append(w.Outputs, wireOutput{
			Amount: out.Amount,
			Target: taggedItem{Tag: uint8(out.Target.Type()), Body: body},
		})
	}
	return rlp.EncodeToBytes(&w)
}

// DecodeTransaction parses the output of EncodeTransaction.
func DecodeTransaction(data []byte) (*Transaction, error) {
	var w wireTransaction
	if err := rlp.DecodeBytes(data, &w); err != nil {
		return nil, fmt.Errorf("decoding transaction: %w", err)
	}
	tx := &Transaction{
		Version:    w.Version,
		UnlockTime: w.UnlockTime,
		Extra:      w.Extra,
		Signatures: w.Signatures,
	}
	for i, item := range w.Inputs {
		in, err := decodeInput(item)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		tx.Inputs = append(tx.Inputs, in)
	}
	for i, item := range w.Outputs {
		target, err := decodeTarget(item.Target)
		if err != nil {
			return nil, fmt.Errorf("output %d: %w", i, err)
		}
		tx.Outputs = append(tx.Outputs, TransactionOutput{Amount: item.Amount, Target: target})
	}
	return tx, nil
}

func decodeInput(item taggedItem) (TransactionInput, error) {
	var in TransactionInput
	switch InputType(item.Tag) {
	case InputTypeGenerating:
		var v BaseInput
		if err := rlp.DecodeBytes(item.Body, &v); err != nil {
			return nil, err
		}
		in = v
	case InputTypeKey:
		var v KeyInput
		if err := rlp.DecodeBytes(item.Body, &v); err != nil {
			return nil, err
		}
		in = v
	case InputTypeMultisignature:
		var v MultisignatureInput
		if err := rlp.DecodeBytes(item.Body, &v); err != nil {
			return nil, err
		}
		in = v
	default:
		return nil, ErrUnknownInputType
	}
	return in, nil
}

func decodeTarget(item taggedItem) (OutputTarget, error) {
	var target OutputTarget
	switch OutputType(item.Tag) {
	case OutputTypeKey:
		var v KeyOutput
		if err := rlp.DecodeBytes(item.Body, &v); err != nil {
			return nil, err
		}
		target = v
	case OutputTypeMultisignature:
		var v MultisignatureOutput
		if err := rlp.DecodeBytes(item.Body, &v); err != nil {
			return nil, err
		}
		target = v
	default:
		return nil, ErrUnknownOutputType
	}
	return target, nil
}

// TransactionHash identifies an encoded transaction.
func TransactionHash(blob []byte) common.Hash {
	return crypto.Keccak256Hash(blob)
}
