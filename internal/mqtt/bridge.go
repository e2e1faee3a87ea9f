//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"xteink-flasher/internal/flasher"
	"xteink-flasher/internal/otadata"
	"xteink-flasher/internal/steps"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker          string
	Username        string
	Password        string
	ClientID        string
	TopicPrefix     string
	DiscoveryPrefix string
	// DisableDiscovery clears previously announced HA entities instead of
	// publishing them.
	DisableDiscovery bool
	// ProgressInterval throttles progress-only step updates. Status changes
	// are always published.
	ProgressInterval time.Duration
}

// Flasher is the orchestrator surface the bridge publishes and commands.
type Flasher interface {
	Events() *flasher.EventBus
	State() flasher.State
	IdentifyAll(ctx context.Context) (flasher.Identification, error)
	ReadOtadata(ctx context.Context) (*otadata.Image, error)
	SwapBootPartition(ctx context.Context) (*otadata.Image, error)
	FlashOfficial(ctx context.Context, region string) error
	FlashCommunity(ctx context.Context, name string) error
	SaveFullFlash(ctx context.Context) ([]byte, error)
}

// client is the part of pahomqtt.Client the bridge uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Bridge publishes workflow and step events to MQTT and runs workflows
// requested on <prefix>/command.
//
// Topics under the prefix:
//
//	bridge/state  online|offline (retained, last will)
//	state         orchestrator state (retained)
//	steps         step list of the current or last workflow (retained)
//	last_run      workflow_finished payload (retained)
//	event         every flasher event
//	result        outcome of a command
type Bridge struct {
	client   client
	fl       Flasher
	cfg      Config
	logger   *slog.Logger
	unsub    func()
	ctx      context.Context
	cancel   context.CancelFunc
	commands sync.WaitGroup

	mu           sync.Mutex
	steps        []steps.Step
	lastProgress time.Time
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(fl Flasher, cfg Config, logger *slog.Logger) (*Bridge, error) {
	cfg = withDefaults(cfg)
	b := newBridge(nil, fl, cfg, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.topic("bridge/state"), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.announce()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := pahomqtt.NewClient(opts)
	b.client = c
	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func withDefaults(cfg Config) Config {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "xteink-flasher"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "xteink-flasher"
	}
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}
	if cfg.ProgressInterval == 0 {
		cfg.ProgressInterval = time.Second
	}
	return cfg
}

func newBridge(c client, fl Flasher, cfg Config, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		client: c,
		fl:     fl,
		cfg:    cfg,
		logger: logger.With("component", "mqtt"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// announce runs on every (re)connect.
func (b *Bridge) announce() {
	b.publish(b.topic("bridge/state"), []byte("online"), true)
	msgs := buildDiscovery(b.cfg.TopicPrefix, b.cfg.DiscoveryPrefix)
	if b.cfg.DisableDiscovery {
		msgs = buildRemoveDiscovery(b.cfg.TopicPrefix, b.cfg.DiscoveryPrefix)
	}
	for _, msg := range msgs {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.publishState()
	b.client.Subscribe(b.topic("command"), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Payload())
	})
}

// Start subscribes to flasher events.
func (b *Bridge) Start() {
	b.unsub = b.fl.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.cfg.TopicPrefix)
}

// Stop cancels running commands, publishes offline state and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.cancel()
	b.commands.Wait()
	b.publish(b.topic("bridge/state"), []byte("offline"), true)
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) topic(suffix string) string {
	return b.cfg.TopicPrefix + "/" + suffix
}

// handleEvent runs on the workflow goroutine; publishing never blocks it.
func (b *Bridge) handleEvent(event flasher.Event) {
	switch d := event.Data.(type) {
	case flasher.WorkflowStarted:
		b.mu.Lock()
		b.steps = make([]steps.Step, len(d.Steps))
		for i, name := range d.Steps {
			b.steps[i] = steps.Step{Name: name, Status: steps.StatusPending}
		}
		b.mu.Unlock()
		b.publishState()
		b.publishSteps()

	case flasher.StepUpdate:
		if !b.applyStep(d) {
			return
		}
		b.publishSteps()

	case flasher.WorkflowFinished:
		b.publishState()
		b.publishSteps()
		b.publish(b.topic("last_run"), mustJSON(d), true)
	}
	b.publish(b.topic("event"), mustJSON(event), false)
}

// applyStep records a step update and reports whether it should be published.
// Progress-only updates are rate limited.
func (b *Bridge) applyStep(u flasher.StepUpdate) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if u.Index < 0 || u.Index >= len(b.steps) {
		return false
	}
	prev := b.steps[u.Index]
	b.steps[u.Index] = u.Step

	if prev.Status != u.Step.Status || prev.Name != u.Step.Name {
		b.lastProgress = time.Time{}
		return true
	}
	now := time.Now()
	if now.Sub(b.lastProgress) < b.cfg.ProgressInterval {
		return false
	}
	b.lastProgress = now
	return true
}

func (b *Bridge) publishState() {
	b.publish(b.topic("state"), mustJSON(b.fl.State()), true)
}

func (b *Bridge) publishSteps() {
	b.mu.Lock()
	payload := mustJSON(b.steps)
	b.mu.Unlock()
	b.publish(b.topic("steps"), payload, true)
}

// command is a workflow request on <prefix>/command.
type command struct {
	Workflow flasher.Workflow `json:"workflow"`
	Region   string           `json:"region,omitempty"`
	Name     string           `json:"name,omitempty"`
}

type commandResult struct {
	Workflow flasher.Workflow `json:"workflow"`
	OK       bool             `json:"ok"`
	Kind     string           `json:"kind,omitempty"`
	Error    string           `json:"error,omitempty"`
	Result   any              `json:"result,omitempty"`
}

func (b *Bridge) handleCommand(payload []byte) {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid command JSON", "err", err)
		return
	}

	run, ok := b.commandFunc(cmd)
	if !ok {
		b.logger.Warn("unsupported command", "workflow", cmd.Workflow)
		b.publish(b.topic("result"), mustJSON(commandResult{
			Workflow: cmd.Workflow, Kind: flasher.KindError, Error: "unsupported workflow",
		}), false)
		return
	}

	b.commands.Add(1)
	go func() {
		defer b.commands.Done()
		res, err := run(b.ctx)
		out := commandResult{Workflow: cmd.Workflow, OK: err == nil, Result: res}
		if err != nil {
			out.Kind = flasher.ErrorKind(err)
			out.Error = err.Error()
			b.logger.Warn("command failed", "workflow", cmd.Workflow, "kind", out.Kind, "err", err)
		}
		b.publish(b.topic("result"), mustJSON(out), false)
	}()
}

func (b *Bridge) commandFunc(cmd command) (func(context.Context) (any, error), bool) {
	switch cmd.Workflow {
	case flasher.WorkflowIdentify:
		return func(ctx context.Context) (any, error) {
			res, err := b.fl.IdentifyAll(ctx)
			return res, err
		}, true
	case flasher.WorkflowReadOtadata:
		return func(ctx context.Context) (any, error) {
			img, err := b.fl.ReadOtadata(ctx)
			return bootSummary(img), err
		}, true
	case flasher.WorkflowSwapBoot:
		return func(ctx context.Context) (any, error) {
			img, err := b.fl.SwapBootPartition(ctx)
			return bootSummary(img), err
		}, true
	case flasher.WorkflowFlashOfficial:
		return func(ctx context.Context) (any, error) { return nil, b.fl.FlashOfficial(ctx, cmd.Region) }, true
	case flasher.WorkflowFlashCommunity:
		return func(ctx context.Context) (any, error) { return nil, b.fl.FlashCommunity(ctx, cmd.Name) }, true
	case flasher.WorkflowSaveFullFlash:
		return func(ctx context.Context) (any, error) {
			data, err := b.fl.SaveFullFlash(ctx)
			return map[string]int{"size": len(data)}, err
		}, true
	}
	return nil, false
}

func bootSummary(img *otadata.Image) any {
	if img == nil {
		return nil
	}
	out := map[string]any{"backup": img.CurrentBackupLabel(), "partitions": img.Partitions()}
	if l, ok := img.CurrentBootLabel(); ok {
		out["boot"] = l
	}
	return out
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
