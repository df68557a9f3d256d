package logbus

import "testing"

func TestRingKeepsMostRecent(t *testing.T) {
	b := New(4)
	defer b.Close()
	for i := 0; i < 10; i++ {
		b.Publish("log", i)
	}

	snap := b.Snapshot()
	if len(snap) != 4 {
		t.Fatalf("snapshot = %d 条", len(snap))
	}
	// 应该只剩最后 4 条，且保持发布顺序。
	for i, msg := range snap {
		if msg.Data.(int) != 6+i {
			t.Fatalf("snapshot[%d] = %v", i, msg.Data)
		}
	}
}

func TestSubscribeReceivesLiveMessages(t *testing.T) {
	b := New(8)
	defer b.Close()

	ch, cancel := b.Subscribe(4)
	defer cancel()

	b.TaskLog("t1", "info", "锁定成功", nil)
	msg := <-ch
	data, ok := msg.Data.(LogData)
	if !ok || data.TaskID != "t1" || data.Msg != "锁定成功" {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New(8)
	defer b.Close()

	ch, cancel := b.Subscribe(1)
	defer cancel()

	// 缓冲只有 1，第二条应当被丢而不是卡住发布方。
	b.Publish("log", 1)
	b.Publish("log", 2)

	if msg := <-ch; msg.Data.(int) != 1 {
		t.Fatalf("msg = %v", msg.Data)
	}
	select {
	case msg := <-ch:
		t.Fatalf("不该再有消息: %v", msg.Data)
	default:
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b := New(8)
	defer b.Close()

	ch, cancel := b.Subscribe(1)
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("取消后通道应已关闭")
	}
	// 再次取消必须是安全的。
	cancel()
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	b := New(4)
	b.Close()
	b.Publish("log", 1)
	if len(b.Snapshot()) != 0 {
		t.Fatal("关闭后不应再入缓冲")
	}
}
