package guardian

import (
	"hash/crc32"
	"testing"
)

func TestSaturatingScore(t *testing.T) {
	cases := []struct {
		in   int
		want uint16
	}{
		{-5, 0},
		{0, 0},
		{400, 400},
		{MaxScore, MaxScore},
		{MaxScore + 10, MaxScore},
	}
	for _, c := range cases {
		if got := SaturatingScore(c.in); got != c.want {
			t.Fatalf("SaturatingScore(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestBlockIDValid(t *testing.T) {
	if !BlockID(7).Valid(DefaultMaxGuardians) {
		t.Fatal("block 7 should be valid with 8 guardians")
	}
	if BlockID(8).Valid(DefaultMaxGuardians) {
		t.Fatal("block 8 should be out of range with 8 guardians")
	}
}

func TestWithBistResultCopies(t *testing.T) {
	a := Alert{BlockID: 3, AnomalyScore: 500}
	b := a.WithBistResult(BistFail)
	if a.BistResult != BistUnknown {
		t.Fatalf("original alert mutated: %s", a.BistResult)
	}
	if b.BistResult != BistFail {
		t.Fatalf("expected fail on copy, got %s", b.BistResult)
	}
	if b.BlockID != 3 || b.AnomalyScore != 500 {
		t.Fatal("copy lost identifying fields")
	}
}

func TestParseResults(t *testing.T) {
	if r, err := ParseBistResult("pass"); err != nil || r != BistPass {
		t.Fatalf("pass: %v %v", r, err)
	}
	if r, err := ParseBistResult(""); err != nil || r != BistUnknown {
		t.Fatalf("empty: %v %v", r, err)
	}
	if _, err := ParseBistResult("maybe"); err == nil {
		t.Fatal("expected error for unknown bist result")
	}
	if r, err := ParseReconfigResult("failure"); err != nil || r != ReconfigFailure {
		t.Fatalf("failure: %v %v", r, err)
	}
	if _, err := ParseReconfigResult("partial"); err == nil {
		t.Fatal("expected error for unknown reconfig result")
	}
}

func TestFeatureCRC(t *testing.T) {
	features := []int8{0, 1, -1, 127, -128}
	want := crc32.ChecksumIEEE([]byte{0x00, 0x01, 0xff, 0x7f, 0x80})
	if got := FeatureCRC(features); got != want {
		t.Fatalf("FeatureCRC = %08x, want %08x", got, want)
	}
}

func TestAlertCRCDistinguishesAlerts(t *testing.T) {
	a := Alert{BlockID: 1, AnomalyScore: 500, TimestampUS: 10}
	b := a
	b.TimestampUS = 11
	if AlertCRC(a) == AlertCRC(b) {
		t.Fatal("expected different checksums for different timestamps")
	}
	if AlertCRC(a) != AlertCRC(a.WithBistResult(BistPass)) {
		t.Fatal("bist result must not change the alert checksum")
	}
}
