//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"xteink-flasher/internal/device"
	"xteink-flasher/internal/flasher"
	"xteink-flasher/internal/otadata"
	"xteink-flasher/internal/steps"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu           sync.Mutex
	msgs         []published
	subs         map[string]pahomqtt.MessageHandler
	disconnected bool
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{topic: topic, retained: retained, payload: payload.([]byte)})
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		c.subs = make(map[string]pahomqtt.MessageHandler)
	}
	c.subs[topic] = cb
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

func (c *fakeClient) on(topic string) []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []published
	for _, m := range c.msgs {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeClient) last(t *testing.T, topic string) published {
	t.Helper()
	msgs := c.on(topic)
	if len(msgs) == 0 {
		t.Fatalf("nothing published on %s", topic)
	}
	return msgs[len(msgs)-1]
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type fakeFlasher struct {
	events  *flasher.EventBus
	state   flasher.State
	otadata *otadata.Image
	err     error
	region  string
}

func (f *fakeFlasher) Events() *flasher.EventBus { return f.events }
func (f *fakeFlasher) State() flasher.State      { return f.state }

func (f *fakeFlasher) IdentifyAll(context.Context) (flasher.Identification, error) {
	return flasher.Identification{CurrentBoot: otadata.App0}, f.err
}

func (f *fakeFlasher) ReadOtadata(context.Context) (*otadata.Image, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.otadata, nil
}

func (f *fakeFlasher) SwapBootPartition(context.Context) (*otadata.Image, error) {
	if f.err != nil {
		return nil, f.err
	}
	img := f.otadata.Clone()
	_, err := img.SetBootPartition(img.CurrentBackupLabel())
	return img, err
}

func (f *fakeFlasher) FlashOfficial(_ context.Context, region string) error {
	f.region = region
	return f.err
}

func (f *fakeFlasher) FlashCommunity(context.Context, string) error { return f.err }

func (f *fakeFlasher) SaveFullFlash(context.Context) ([]byte, error) {
	return make([]byte, 16), f.err
}

func newTestBridge(t *testing.T, cfg Config) (*Bridge, *fakeClient, *fakeFlasher) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	img, err := otadata.Parse(make([]byte, 0x2000))
	if err != nil {
		t.Fatal(err)
	}
	fl := &fakeFlasher{events: flasher.NewEventBus(logger), otadata: img}
	c := &fakeClient{}
	return newBridge(c, fl, withDefaults(cfg), logger), c, fl
}

func TestDiscoveryEntities(t *testing.T) {
	msgs := buildDiscovery("xteink-flasher", "homeassistant")

	want := map[string]bool{
		"homeassistant/binary_sensor/xteink_flasher/running/config": true,
		"homeassistant/sensor/xteink_flasher/workflow/config":       true,
		"homeassistant/sensor/xteink_flasher/last_run/config":       true,
		"homeassistant/button/xteink_flasher/identify/config":       true,
		"homeassistant/button/xteink_flasher/read_otadata/config":   true,
		"homeassistant/button/xteink_flasher/swap_boot/config":      true,
		"homeassistant/button/xteink_flasher/save_flash/config":     true,
	}
	if len(msgs) != len(want) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(want))
	}

	for _, m := range msgs {
		if !want[m.Topic] {
			t.Errorf("unexpected topic %s", m.Topic)
			continue
		}
		var p haDiscovery
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			t.Fatalf("%s: %v", m.Topic, err)
		}
		if p.AvailabilityTopic != "xteink-flasher/bridge/state" {
			t.Errorf("%s availability = %q", m.Topic, p.AvailabilityTopic)
		}
		if !strings.HasPrefix(p.UniqueID, "xteink_flasher_") {
			t.Errorf("%s unique_id = %q", m.Topic, p.UniqueID)
		}
		if p.Device.Identifiers[0] != "xteink_flasher" {
			t.Errorf("%s device = %+v", m.Topic, p.Device)
		}
		if strings.Contains(m.Topic, "/button/") {
			var cmd command
			if err := json.Unmarshal([]byte(p.PayloadPress), &cmd); err != nil || cmd.Workflow == "" {
				t.Errorf("%s payload_press = %q", m.Topic, p.PayloadPress)
			}
			if p.CommandTopic != "xteink-flasher/command" {
				t.Errorf("%s command_topic = %q", m.Topic, p.CommandTopic)
			}
		}
	}
}

func TestRemoveDiscovery(t *testing.T) {
	add := buildDiscovery("flasher", "ha")
	rm := buildRemoveDiscovery("flasher", "ha")
	if len(rm) != len(add) {
		t.Fatalf("remove = %d messages, add = %d", len(rm), len(add))
	}
	for i, m := range rm {
		if m.Topic != add[i].Topic {
			t.Errorf("topic %d = %s, want %s", i, m.Topic, add[i].Topic)
		}
		if m.Payload != nil {
			t.Errorf("%s: payload should be empty", m.Topic)
		}
	}
}

func TestNodeID(t *testing.T) {
	tests := map[string]string{
		"xteink-flasher":  "xteink_flasher",
		"Lab/X4 Flasher":  "lab_x4_flasher",
		"already_snake_1": "already_snake_1",
	}
	for in, want := range tests {
		if got := nodeID(in); got != want {
			t.Errorf("nodeID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAnnounce(t *testing.T) {
	b, c, _ := newTestBridge(t, Config{})
	b.announce()

	if got := c.last(t, "xteink-flasher/bridge/state"); string(got.payload) != "online" || !got.retained {
		t.Errorf("bridge state = %+v", got)
	}
	if len(c.on("homeassistant/button/xteink_flasher/swap_boot/config")) != 1 {
		t.Error("discovery not published")
	}
	var st flasher.State
	if err := json.Unmarshal(c.last(t, "xteink-flasher/state").payload, &st); err != nil || st.Running {
		t.Errorf("state = %+v, %v", st, err)
	}
	if _, ok := c.subs["xteink-flasher/command"]; !ok {
		t.Error("command topic not subscribed")
	}
}

func TestAnnounceDiscoveryDisabled(t *testing.T) {
	b, c, _ := newTestBridge(t, Config{DisableDiscovery: true})
	b.announce()

	got := c.on("homeassistant/button/xteink_flasher/swap_boot/config")
	if len(got) != 1 || len(got[0].payload) != 0 || !got[0].retained {
		t.Errorf("discovery clear = %+v", got)
	}
}

func TestEventsPublished(t *testing.T) {
	b, c, fl := newTestBridge(t, Config{ProgressInterval: time.Hour})
	b.Start()
	defer b.Stop()

	names := []string{"Connect to device", "Read flash"}
	fl.state = flasher.State{Running: true, WorkflowID: "wf-1", Workflow: flasher.WorkflowSaveFullFlash}
	fl.events.Emit(flasher.Event{Type: flasher.EventWorkflowStarted, Data: flasher.WorkflowStarted{
		ID: "wf-1", Workflow: flasher.WorkflowSaveFullFlash, Steps: names,
	}})
	update := func(i int, st steps.Step) {
		fl.events.Emit(flasher.Event{Type: flasher.EventStepUpdate, Data: flasher.StepUpdate{WorkflowID: "wf-1", Index: i, Step: st}})
	}
	update(0, steps.Step{Name: names[0], Status: steps.StatusRunning})
	update(0, steps.Step{Name: names[0], Status: steps.StatusSuccess})
	update(1, steps.Step{Name: names[1], Status: steps.StatusRunning})
	update(1, steps.Step{Name: names[1], Status: steps.StatusRunning, Progress: &steps.Progress{Current: 1, Total: 4}})
	update(1, steps.Step{Name: names[1], Status: steps.StatusRunning, Progress: &steps.Progress{Current: 2, Total: 4}})
	update(1, steps.Step{Name: names[1], Status: steps.StatusSuccess, Progress: &steps.Progress{Current: 4, Total: 4}})
	update(7, steps.Step{Name: "bogus", Status: steps.StatusRunning})
	fl.state = flasher.State{}
	fl.events.Emit(flasher.Event{Type: flasher.EventWorkflowFinished, Data: flasher.WorkflowFinished{
		ID: "wf-1", Workflow: flasher.WorkflowSaveFullFlash, Success: true,
	}})

	// started + 3 status changes + 1 progress + success + finished; the
	// second progress update falls inside the interval and the bogus
	// index is dropped
	if n := len(c.on("xteink-flasher/steps")); n != 7 {
		t.Errorf("steps published %d times, want 7", n)
	}
	var last []steps.Step
	if err := json.Unmarshal(c.last(t, "xteink-flasher/steps").payload, &last); err != nil {
		t.Fatal(err)
	}
	if len(last) != 2 || last[1].Status != steps.StatusSuccess || last[1].Progress.Current != 4 {
		t.Errorf("last steps = %+v", last)
	}

	run := c.last(t, "xteink-flasher/last_run")
	if !run.retained || !strings.Contains(string(run.payload), `"success":true`) {
		t.Errorf("last_run = %+v", run)
	}
	// throttled and dropped updates are not mirrored on the event topic
	if n := len(c.on("xteink-flasher/event")); n != 7 {
		t.Errorf("events published %d times, want 7", n)
	}
	states := c.on("xteink-flasher/state")
	if len(states) != 2 || !strings.Contains(string(states[0].payload), `"running":true`) {
		t.Errorf("state messages = %+v", states)
	}
}

func commandResultOf(t *testing.T, c *fakeClient) commandResult {
	t.Helper()
	var res commandResult
	if err := json.Unmarshal(c.last(t, "xteink-flasher/result").payload, &res); err != nil {
		t.Fatal(err)
	}
	return res
}

func TestCommandSwapBoot(t *testing.T) {
	b, c, _ := newTestBridge(t, Config{})
	b.announce()

	c.subs["xteink-flasher/command"](nil, fakeMessage{topic: "xteink-flasher/command", payload: []byte(`{"workflow":"swap-boot"}`)})
	b.Stop()

	res := commandResultOf(t, c)
	if !res.OK || res.Workflow != flasher.WorkflowSwapBoot {
		t.Fatalf("result = %+v", res)
	}
	summary := res.Result.(map[string]any)
	if summary["boot"] != "app1" || summary["backup"] != "app0" {
		t.Errorf("summary = %v", summary)
	}
	if !c.disconnected {
		t.Error("client not disconnected")
	}
}

func TestCommandFlashOfficial(t *testing.T) {
	b, c, fl := newTestBridge(t, Config{})

	b.handleCommand([]byte(`{"workflow":"flash-official","region":"ch"}`))
	b.Stop()

	if fl.region != "ch" {
		t.Errorf("region = %q", fl.region)
	}
	if res := commandResultOf(t, c); !res.OK {
		t.Errorf("result = %+v", res)
	}
}

func TestCommandFailure(t *testing.T) {
	b, c, fl := newTestBridge(t, Config{})
	fl.err = device.IOError("read otadata", errors.New("port closed"))

	b.handleCommand([]byte(`{"workflow":"read-otadata"}`))
	b.Stop()

	res := commandResultOf(t, c)
	if res.OK || res.Kind != flasher.KindDeviceIO || res.Result != nil {
		t.Errorf("result = %+v", res)
	}
}

func TestCommandRejected(t *testing.T) {
	b, c, _ := newTestBridge(t, Config{})

	b.handleCommand([]byte(`not json`))
	if len(c.on("xteink-flasher/result")) != 0 {
		t.Error("invalid JSON produced a result")
	}

	// file workflows need a path on the host and are not remote-triggerable
	b.handleCommand([]byte(`{"workflow":"write-flash"}`))
	res := commandResultOf(t, c)
	if res.OK || res.Error != "unsupported workflow" {
		t.Errorf("result = %+v", res)
	}
}

func TestMustJSON(t *testing.T) {
	if got := string(mustJSON(map[string]int{"a": 1})); got != `{"a":1}` {
		t.Errorf("mustJSON = %s", got)
	}
	if got := string(mustJSON(make(chan int))); got != "{}" {
		t.Errorf("mustJSON(chan) = %s", got)
	}
}
