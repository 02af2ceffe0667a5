package eventbus

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/dispatchd/internal/domain"
	"github.com/rs/zerolog"
)

func newLocalBus(t *testing.T) *Bus {
	t.Helper()
	b, err := Connect("", zerolog.Nop())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return b
}

func TestBus_PublishTaskProgress_LocalFanOut(t *testing.T) {
	b := newLocalBus(t)
	sub, err := b.Subscribe(SubjectTaskProgress)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()

	b.PublishTaskProgress("task1", domain.TaskRunning, domain.ShardCounts{Pending: 1, Running: 2, Done: 3}, domain.ShardResult{}, 0, false, "")

	select {
	case payload := <-sub.C:
		var ev TaskProgressEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if ev.TaskID != "task1" || ev.Counts.Done != 3 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for local fan-out delivery")
	}
}

func TestBus_Subscribe_MultipleSubscribersBothReceive(t *testing.T) {
	b := newLocalBus(t)
	sub1, _ := b.Subscribe(SubjectReport)
	sub2, _ := b.Subscribe(SubjectReport)
	defer sub1.Cancel()
	defer sub2.Cancel()

	b.PublishReport(&domain.Report{ShardID: "s1"})

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case <-sub.C:
		case <-time.After(time.Second):
			t.Fatal("expected both subscribers to receive the event")
		}
	}
}

func TestBus_CancelRemovesSubscriberWithoutPanicking(t *testing.T) {
	b := newLocalBus(t)
	sub, _ := b.Subscribe(SubjectServerList)
	sub.Cancel()

	b.PublishServerList([]*domain.Server{{ServerID: "s1"}})

	if _, ok := <-sub.C; ok {
		t.Fatal("expected channel closed after cancel")
	}
}

func TestBus_ConcurrentSubscribeAndPublishIsRaceFree(t *testing.T) {
	b := newLocalBus(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := b.Subscribe(SubjectTaskProgress)
			if err != nil {
				return
			}
			defer sub.Cancel()
			b.PublishTaskProgress("t", domain.TaskRunning, domain.ShardCounts{}, domain.ShardResult{}, 0, false, "")
			select {
			case <-sub.C:
			case <-time.After(100 * time.Millisecond):
			}
		}()
	}
	wg.Wait()
}
