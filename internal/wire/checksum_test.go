package wire

import "testing"

func TestChecksumStableAcrossKeyOrder(t *testing.T) {
	a := map[string]interface{}{
		"taskId":      "task-1",
		"currentStep": 3,
		"totalSteps":  10,
		"variables":   map[string]interface{}{"x": 1.0, "y": "hello"},
	}
	b := map[string]interface{}{
		"variables":   map[string]interface{}{"y": "hello", "x": 1.0},
		"totalSteps":  10,
		"currentStep": 3,
		"taskId":      "task-1",
	}

	sumA, err := Checksum(a)
	if err != nil {
		t.Fatalf("Checksum(a): %v", err)
	}
	sumB, err := Checksum(b)
	if err != nil {
		t.Fatalf("Checksum(b): %v", err)
	}
	if sumA != sumB {
		t.Fatalf("expected checksum to be independent of map key order, got %s vs %s", sumA, sumB)
	}
}

func TestChecksumChangesWithContent(t *testing.T) {
	a := map[string]interface{}{"taskId": "task-1", "currentStep": 3}
	b := map[string]interface{}{"taskId": "task-1", "currentStep": 4}

	sumA, err := Checksum(a)
	if err != nil {
		t.Fatalf("Checksum(a): %v", err)
	}
	sumB, err := Checksum(b)
	if err != nil {
		t.Fatalf("Checksum(b): %v", err)
	}
	if sumA == sumB {
		t.Fatalf("expected different content to produce different checksums")
	}
}

func TestVerifyChecksumDetectsTamper(t *testing.T) {
	v := map[string]interface{}{"taskId": "task-1", "currentStep": 3}
	sum, err := Checksum(v)
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}

	ok, err := VerifyChecksum(v, sum)
	if err != nil || !ok {
		t.Fatalf("expected valid checksum to verify, got ok=%v err=%v", ok, err)
	}

	ok, err = VerifyChecksum(v, "0000000000000000")
	if err != nil {
		t.Fatalf("VerifyChecksum: %v", err)
	}
	if ok {
		t.Fatalf("expected tampered checksum to fail verification")
	}
}

func TestSortedKeysOrdersAlphabetically(t *testing.T) {
	m := map[string]interface{}{"z": 1, "a": 2, "m": 3}
	got := SortedKeys(m)
	want := []string{"a", "m", "z"}
	if len(got) != len(want) {
		t.Fatalf("expected %d keys, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected sorted keys %v, got %v", want, got)
		}
	}
}
