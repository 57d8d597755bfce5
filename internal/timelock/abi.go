package timelock

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var addressArgs abi.Arguments

func init() {
	addrType, err := abi.NewType("address", "", nil)
	if err != nil {
		panic(fmt.Sprintf("timelock: build address type: %v", err))
	}
	addressArgs = abi.Arguments{{Name: "addr", Type: addrType}}
}

// EncodeAddress ABI-encodes a single address argument
func EncodeAddress(addr common.Address) ([]byte, error) {
	data, err := addressArgs.Pack(addr)
	if err != nil {
		return nil, fmt.Errorf("timelock: encode address: %w", err)
	}
	return data, nil
}

// DecodeAddress decodes a payload produced by EncodeAddress
func DecodeAddress(data []byte) (common.Address, error) {
	values, err := addressArgs.Unpack(data)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: unexpected %T", ErrBadPayload, values[0])
	}
	return addr, nil
}
