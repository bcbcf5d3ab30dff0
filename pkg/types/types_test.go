package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNetworkAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    NetworkAddress
		wantErr bool
	}{
		{name: "host port", input: "10.0.0.1:8080", want: NetworkAddress{Host: "10.0.0.1", Port: 8080}},
		{name: "ipv6", input: "[::1]:9000", want: NetworkAddress{Host: "::1", Port: 9000}},
		{name: "multiaddr ip4", input: "/ip4/192.168.1.7/tcp/32347", want: NetworkAddress{Host: "192.168.1.7", Port: 32347}},
		{name: "multiaddr dns", input: "/dns4/seed.example.org/tcp/32347", want: NetworkAddress{Host: "seed.example.org", Port: 32347}},
		{name: "missing port", input: "10.0.0.1", wantErr: true},
		{name: "zero port", input: "10.0.0.1:0", wantErr: true},
		{name: "multiaddr without tcp", input: "/ip4/10.0.0.1/udp/53", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNetworkAddress(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNetworkAddressHelpers(t *testing.T) {
	addr := MustParseNetworkAddress("127.0.0.1:8080")
	assert.Equal(t, "127.0.0.1:8080", addr.String())
	assert.True(t, addr.IsLocal())
	assert.True(t, NetworkAddress{Host: "0.0.0.0", Port: 1}.IsLocal())
	assert.False(t, NetworkAddress{Host: "8.8.8.8", Port: 1}.IsLocal())
	assert.False(t, NetworkAddress{Host: "", Port: 1}.Valid())
}

func TestNetworkErrorMatching(t *testing.T) {
	err := fmt.Errorf("handshake: %w", NewNetworkError(ErrCodeGenesisMismatch, "expected %s", "abc"))

	assert.ErrorIs(t, err, ErrGenesisMismatch)
	assert.False(t, errors.Is(err, ErrProtocolVersion))
	assert.True(t, IsProtocolError(err))
	assert.False(t, IsProtocolError(ErrPeerConnection))
	assert.False(t, IsProtocolError(errors.New("eof")))
	assert.Contains(t, err.Error(), "code=1005")
}

func TestTransactionEncodingKeepsVariants(t *testing.T) {
	tx := &Transaction{
		Version:    1,
		UnlockTime: 10,
		Inputs: []TransactionInput{
			KeyInput{Amount: 100, OutputIndexes: []uint32{1, 5}, KeyImage: common.HexToHash("0x01")},
			MultisignatureInput{Amount: 50, SignatureCount: 2, OutputIndex: 7},
		},
		Outputs: []TransactionOutput{
			{Amount: 120, Target: KeyOutput{Key: common.HexToHash("0xaa")}},
			{Amount: 30, Target: MultisignatureOutput{
				Keys:                   []common.Hash{common.HexToHash("0xbb"), common.HexToHash("0xcc")},
				RequiredSignatureCount: 2,
			}},
		},
		Extra:      []byte{0x01},
		Signatures: [][]byte{{0xde, 0xad}},
	}

	blob, err := EncodeTransaction(tx)
	require.NoError(t, err)
	decoded, err := DecodeTransaction(blob)
	require.NoError(t, err)

	require.Len(t, decoded.Inputs, 2)
	assert.Equal(t, tx.Inputs[0], decoded.Inputs[0])
	assert.Equal(t, tx.Inputs[1], decoded.Inputs[1])
	assert.Equal(t, tx.Outputs, decoded.Outputs)
	assert.Equal(t, uint64(150), decoded.TotalInput())
	assert.Equal(t, uint64(150), decoded.TotalOutput())
	assert.Equal(t, TransactionHash(blob), TransactionHash(blob))
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	blob, err := EncodeTransaction(&Transaction{
		Inputs: []TransactionInput{BaseInput{BlockIndex: 3}},
	})
	require.NoError(t, err)
	decoded, err := DecodeTransaction(blob)
	require.NoError(t, err)
	assert.Equal(t, InputTypeGenerating, decoded.Inputs[0].Type())

	_, err = decodeInput(taggedItem{Tag: 99})
	assert.ErrorIs(t, err, ErrUnknownInputType)
	_, err = decodeTarget(taggedItem{Tag: 0})
	assert.ErrorIs(t, err, ErrUnknownOutputType)
}

func TestCheckedAccessors(t *testing.T) {
	tx := &Transaction{
		Inputs:  []TransactionInput{KeyInput{Amount: 1, OutputIndexes: []uint32{0, 1, 2}}},
		Outputs: []TransactionOutput{{Amount: 1, Target: KeyOutput{}}},
	}

	in, err := tx.InputChecked(0, InputTypeKey)
	require.NoError(t, err)
	assert.Equal(t, 3, RequiredSignatures(in))

	_, err = tx.InputChecked(0, InputTypeMultisignature)
	assert.ErrorIs(t, err, ErrWrongInputType)
	_, err = tx.InputChecked(1, InputTypeKey)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)

	_, err = tx.OutputChecked(0, OutputTypeKey)
	assert.NoError(t, err)
	_, err = tx.OutputChecked(0, OutputTypeMultisignature)
	assert.ErrorIs(t, err, ErrWrongOutputType)
}

func TestKeyImagesUnique(t *testing.T) {
	image := common.HexToHash("0x42")
	tx := &Transaction{Inputs: []TransactionInput{
		KeyInput{KeyImage: image},
		BaseInput{},
		KeyInput{KeyImage: common.HexToHash("0x43")},
	}}
	assert.True(t, tx.KeyImagesUnique())

	tx.Inputs = append(tx.Inputs, KeyInput{KeyImage: image})
	assert.False(t, tx.KeyImagesUnique())
}
