// Copyright (c) 2025 The eclair developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"pgregory.net/rapid"
)

func TestCompactToBigRoundTrip(t *testing.T) {
	tests := []uint32{
		0x1d00ffff, // difficulty 1
		0x1b0404cb,
		0x207fffff, // regtest
		0x17053894,
	}
	for _, compact := range tests {
		n := CompactToBig(compact)
		if got := BigToCompact(n); got != compact {
			t.Errorf("round trip of %08x yielded %08x", compact, got)
		}
	}
}

func TestCompactToBigRandomRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		// Normalized positive mantissas (non-zero high byte, sign bit
		// clear) survive the round trip exactly.
		mantissa := rapid.Uint32Range(0x010000, 0x7fffff).Draw(rt, "mantissa")
		exponent := rapid.Uint32Range(3, 28).Draw(rt, "exponent")
		compact := exponent<<24 | mantissa

		n := CompactToBig(compact)
		if got := BigToCompact(n); got != compact {
			rt.Fatalf("round trip of %08x yielded %08x", compact, got)
		}
	})
}

func TestCalcWork(t *testing.T) {
	// Difficulty-1 work is 2^32 within rounding.
	work := CalcWork(0x1d00ffff)
	want, _ := new(big.Int).SetString("4295032833", 10)
	if work.Cmp(want) != 0 {
		t.Errorf("difficulty-1 work: got %v want %v", work, want)
	}

	// A smaller target means strictly more work.
	harder := CalcWork(0x1b0404cb)
	if harder.Cmp(work) <= 0 {
		t.Error("smaller target should yield more work")
	}

	if CalcWork(0x00800000).Sign() != 0 {
		t.Error("negative target should yield zero work")
	}
}

func TestCalcNextRequiredDifficulty(t *testing.T) {
	params := &chaincfg.MainNetParams
	lastBits := uint32(0x1d00ffff)
	start := time.Unix(1600000000, 0)

	t.Run("OnSchedule", func(t *testing.T) {
		// Exactly two weeks: the target is unchanged.
		end := start.Add(params.TargetTimespan)
		if got := calcNextRequiredDifficulty(start, end, lastBits, params); got != lastBits {
			t.Errorf("on-schedule retarget changed bits to %08x", got)
		}
	})

	t.Run("TooFastClamped", func(t *testing.T) {
		// Blocks arriving instantly clamp at a factor of 4.
		end := start.Add(time.Second)
		got := calcNextRequiredDifficulty(start, end, lastBits, params)
		want := BigToCompact(new(big.Int).Div(CompactToBig(lastBits),
			big.NewInt(4)))
		if got != want {
			t.Errorf("fast retarget: got %08x want %08x", got, want)
		}
	})

	t.Run("TooSlowClampedAtPowLimit", func(t *testing.T) {
		// The difficulty-1 target cannot get any easier on mainnet.
		end := start.Add(8 * params.TargetTimespan)
		got := calcNextRequiredDifficulty(start, end, lastBits, params)
		if got != BigToCompact(params.PowLimit) {
			t.Errorf("slow retarget exceeded the pow limit: %08x", got)
		}
	})
}
