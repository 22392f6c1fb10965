// Package merkle builds the weekly settlement tree and its inclusion proofs.
//
// Leaf encoding, shared with the on-chain verifier:
//
//	uidHash = keccak256(utf8(uid))
//	inner   = keccak256(uidHash ‖ uint256(weekStartUnix) ‖ uint256(amountMicros))
//	leaf    = keccak256(inner)
//
// uint256 values are 32-byte big-endian words (abi.encode layout). amountMicros is
// the settled USD amount times 10^6, truncated. Internal nodes hash the sorted pair
// keccak256(min(a,b) ‖ max(a,b)); an unpaired node is promoted to the next layer.
package merkle

import (
	"bytes"
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const amountDecimals = 6

var ErrEmptyTree = errors.New("merkle tree needs at least one leaf")

// AmountMicros converts a USD amount to integer micro-USD, truncating.
func AmountMicros(amount decimal.Decimal) *big.Int {
	return amount.Shift(amountDecimals).Truncate(0).BigInt()
}

// Leaf returns the canonical leaf for one settlement.
func Leaf(uid string, weekStart time.Time, amount decimal.Decimal) common.Hash {
	uidHash := crypto.Keccak256([]byte(uid))
	week := common.LeftPadBytes(big.NewInt(weekStart.UTC().Unix()).Bytes(), 32)
	micros := common.LeftPadBytes(AmountMicros(amount).Bytes(), 32)
	inner := crypto.Keccak256(uidHash, week, micros)
	return crypto.Keccak256Hash(inner)
}

func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}

// Tree keeps every layer so proofs can be read back by leaf index.
type Tree struct {
	layers [][]common.Hash
}

func New(leaves []common.Hash) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}
	layer := make([]common.Hash, len(leaves))
	copy(layer, leaves)
	t := &Tree{layers: [][]common.Hash{layer}}
	for len(layer) > 1 {
		next := make([]common.Hash, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			if i+1 == len(layer) {
				next = append(next, layer[i])
				continue
			}
			next = append(next, hashPair(layer[i], layer[i+1]))
		}
		t.layers = append(t.layers, next)
		layer = next
	}
	return t, nil
}

func (t *Tree) Root() common.Hash {
	return t.layers[len(t.layers)-1][0]
}

func (t *Tree) Len() int {
	return len(t.layers[0])
}

// Proof returns the sibling path for leaf i, bottom up. Promoted levels add nothing.
func (t *Tree) Proof(i int) ([]common.Hash, error) {
	if i < 0 || i >= t.Len() {
		return nil, errors.Errorf("leaf index %d out of range [0,%d)", i, t.Len())
	}
	proof := make([]common.Hash, 0, len(t.layers))
	for _, layer := range t.layers[:len(t.layers)-1] {
		sibling := i ^ 1
		if sibling < len(layer) {
			proof = append(proof, layer[sibling])
		}
		i /= 2
	}
	return proof, nil
}

// Verify folds proof over leaf and compares the result with root.
func Verify(proof []common.Hash, root, leaf common.Hash) bool {
	h := leaf
	for _, p := range proof {
		h = hashPair(h, p)
	}
	return h == root
}

// EncodeProof renders a proof as a json array of 0x-prefixed hashes.
func EncodeProof(proof []common.Hash) string {
	hexes := make([]string, len(proof))
	for i, p := range proof {
		hexes[i] = p.Hex()
	}
	bs, _ := json.Marshal(hexes)
	return string(bs)
}

func DecodeProof(s string) ([]common.Hash, error) {
	var hexes []string
	if err := json.Unmarshal([]byte(s), &hexes); err != nil {
		return nil, errors.Wrap(err, "decode proof")
	}
	return ParseProof(hexes)
}

// ParseProof parses hex strings, rejecting anything that is not a 32-byte hash.
func ParseProof(hexes []string) ([]common.Hash, error) {
	proof := make([]common.Hash, len(hexes))
	for i, h := range hexes {
		bs, err := hexutil.Decode(h)
		if err != nil || len(bs) != common.HashLength {
			return nil, errors.Errorf("proof element %d is not a 32-byte hash: %q", i, h)
		}
		proof[i] = common.BytesToHash(bs)
	}
	return proof, nil
}
