package txsizes

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
)

const (
	p2pkhScriptSize = P2PKHPkScriptSize
	p2shScriptSize  = 23
)

func makeInts(value int, n int) []int {
	v := make([]int, n)
	for i := range v {
		v[i] = value
	}
	return v
}

func TestEstimateSerializeSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		InputCount           int
		OutputScriptLengths  []int
		AddChangeOutput      bool
		ExpectedSizeEstimate int
	}{
		0: {1, []int{}, false, 159},
		1: {1, []int{p2pkhScriptSize}, false, 193},
		2: {1, []int{}, true, 193},
		3: {1, []int{p2pkhScriptSize}, true, 227},
		4: {1, []int{p2shScriptSize}, false, 191},
		5: {1, []int{p2shScriptSize}, true, 225},

		6:  {2, []int{}, false, 308},
		7:  {2, []int{p2pkhScriptSize}, false, 342},
		8:  {2, []int{}, true, 342},
		9:  {2, []int{p2pkhScriptSize}, true, 376},
		10: {2, []int{p2shScriptSize}, false, 340},
		11: {2, []int{p2shScriptSize}, true, 374},

		// 0xfd is discriminant for 16-bit compact ints, compact int
		// total size increases from 1 byte to 3.
		12: {1, makeInts(p2pkhScriptSize, 0xfc), false, 8727},
		13: {1, makeInts(p2pkhScriptSize, 0xfd), false, 8727 + P2PKHOutputSize + 2},
		14: {1, makeInts(p2pkhScriptSize, 0xfc), true, 8727 + P2PKHOutputSize + 2},
		15: {0xfc, []int{}, false, 37558},
		16: {0xfd, []int{}, false, 37558 + RedeemP2PKHInputSize + 2},
	}
	for i, test := range tests {
		outputs := make([]*wire.TxOut, 0, len(test.OutputScriptLengths))
		for _, l := range test.OutputScriptLengths {
			outputs = append(outputs, &wire.TxOut{PkScript: make([]byte, l)})
		}
		actualEstimate := EstimateSerializeSize(test.InputCount, outputs, test.AddChangeOutput)
		if actualEstimate != test.ExpectedSizeEstimate {
			t.Errorf("Test %d: Got %v: Expected %v", i, actualEstimate, test.ExpectedSizeEstimate)
		}
	}
}

func TestEstimateVirtualSize(t *testing.T) {
	t.Parallel()

	type estimateVSizeTest struct {
		p2pkhIns         int
		p2shIns          int
		outputScriptSize int
		changeScriptSize int
		result           int
	}

	tests := []estimateVSizeTest{
		// 1 P2PKH input, 1 P2PKH output, no change.
		{
			p2pkhIns:         1,
			outputScriptSize: p2pkhScriptSize,
			result:           193,
		},
		// 1 P2PKH input, 1 P2PKH output, plus a P2PKH change output.
		{
			p2pkhIns:         1,
			outputScriptSize: p2pkhScriptSize,
			changeScriptSize: p2pkhScriptSize,
			result:           227,
		},
		// 1 P2SH input redeeming a bare multisig, 1 P2PKH output.
		{
			p2shIns:          1,
			outputScriptSize: p2pkhScriptSize,
			result:           340,
		},
	}

	for i, test := range tests {
		outputs := []*wire.TxOut{{PkScript: make([]byte, test.outputScriptSize)}}
		est := EstimateVirtualSize(
			test.p2pkhIns, test.p2shIns, outputs, test.changeScriptSize,
		)

		if est != test.result {
			t.Fatalf("test %d: expected estimated size to be %d, "+
				"instead got %d", i, test.result, est)
		}
	}
}
