package dispatch

import "testing"

func phonesOf(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "phone"
	}
	return out
}

func TestSplitPhones_OverrideWins(t *testing.T) {
	batches := splitPhones(phonesOf(100), 10, 4, 50)
	if len(batches) != 10 {
		t.Fatalf("expected 10 batches of 10, got %d", len(batches))
	}
	for _, b := range batches {
		if len(b) != 10 {
			t.Fatalf("expected batch size 10, got %d", len(b))
		}
	}
}

func TestSplitPhones_OneShardPerWorkerWhenPhonesFit(t *testing.T) {
	batches := splitPhones(phonesOf(3), 0, 5, 50)
	if len(batches) != 3 {
		t.Fatalf("expected one shard per phone when phones <= ready workers, got %d batches", len(batches))
	}
	for _, b := range batches {
		if len(b) != 1 {
			t.Fatalf("expected single-phone shards, got %d", len(b))
		}
	}
}

func TestSplitPhones_EvenSpreadAcrossWorkers(t *testing.T) {
	batches := splitPhones(phonesOf(100), 0, 4, 50)
	if len(batches) != 4 {
		t.Fatalf("expected 4 shards spread across 4 ready workers, got %d", len(batches))
	}
	total := 0
	for _, b := range batches {
		total += len(b)
	}
	if total != 100 {
		t.Fatalf("expected all 100 phones distributed, got %d", total)
	}
}

func TestSplitPhones_DefaultSizeWhenNoReadyWorkers(t *testing.T) {
	batches := splitPhones(phonesOf(120), 0, 0, 50)
	if len(batches) != 3 {
		t.Fatalf("expected ceil(120/50)=3 batches of default size, got %d", len(batches))
	}
	if len(batches[0]) != 50 || len(batches[2]) != 20 {
		t.Fatalf("unexpected batch sizes: %v", []int{len(batches[0]), len(batches[1]), len(batches[2])})
	}
}

func TestSplitPhones_EmptyInput(t *testing.T) {
	batches := splitPhones(nil, 0, 5, 50)
	if len(batches) != 0 {
		t.Fatalf("expected no batches for empty phone list, got %d", len(batches))
	}
}
