// Package notify publishes fresh prices and run outcomes to an MQTT broker.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/angas/nordpool2influx/delivery"
	"github.com/angas/nordpool2influx/types"
)

const publishTimeout = 5 * time.Second

type Config struct {
	Host        string
	Port        int
	Username    string
	Password    string
	ClientId    string
	TopicPrefix string
}

// client is the part of mqtt.Client the publisher uses.
type client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
}

type PricePoint struct {
	Start      time.Time `json:"start"`
	Price      float64   `json:"price"`
	Resolution int       `json:"resolution"`
}

type PriceMessage struct {
	Area     types.BiddingArea `json:"area"`
	Date     delivery.Date     `json:"date"`
	Currency string            `json:"currency"`
	Prices   []PricePoint      `json:"prices"`
}

type StatusMessage struct {
	Area    types.BiddingArea `json:"area"`
	Outcome string            `json:"outcome"` // "succeeded" or a failure reason
	At      time.Time         `json:"at"`
	RunId   string            `json:"runId"`
}

// Publisher retains the latest prices per area and date, the latest run
// record and per area status under the topic prefix:
//
//	<prefix>/online
//	<prefix>/prices/<area>/<date>
//	<prefix>/status/<area>
//	<prefix>/runs/last
type Publisher struct {
	logger *slog.Logger
	client client
	prefix string
}

func New(cnfg Config) *Publisher {
	logger := slog.Default().With("module", "mqtt")
	p := &Publisher{
		logger: logger,
		prefix: cnfg.TopicPrefix,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cnfg.Host, cnfg.Port))
	opts.SetClientID(cnfg.ClientId)
	opts.SetUsername(cnfg.Username)
	opts.SetPassword(cnfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetWill(p.topic("online"), "false", 1, true)
	opts.OnConnect = func(c mqtt.Client) {
		logger.Info("MQTT connected", slog.String("broker", cnfg.Host))
		p.publish("online", true, []byte("true"))
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", slog.Any("error", err))
	}

	mqtt.CRITICAL = newMqttLogger(logger, slog.LevelError)
	mqtt.ERROR = newMqttLogger(logger, slog.LevelError)
	mqtt.WARN = newMqttLogger(logger, slog.LevelWarn)

	p.client = mqtt.NewClient(opts)
	return p
}

// Connect starts connecting in the background. With connect retry enabled
// the client keeps trying until the broker is reachable.
func (p *Publisher) Connect() error {
	p.logger.Debug("connecting MQTT client")
	token := p.client.Connect()
	if token.WaitTimeout(publishTimeout) && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (p *Publisher) Disconnect() {
	p.logger.Info("disconnecting MQTT client")
	if t := p.client.Publish(p.topic("online"), 1, true, "false"); !t.WaitTimeout(time.Second) {
		p.logger.Warn("timeout when publishing offline state")
	}
	p.client.Disconnect(250)
}

func (p *Publisher) topic(suffix string) string {
	if p.prefix == "" {
		return suffix
	}
	return p.prefix + "/" + suffix
}

// publish hands the message to the client and waits for completion in the
// background, observers must not block.
func (p *Publisher) publish(suffix string, retained bool, payload []byte) {
	topic := p.topic(suffix)
	token := p.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			p.logger.Warn("timeout when publishing", slog.String("topic", topic))
		} else if err := token.Error(); err != nil {
			p.logger.Error("publish failed", slog.String("topic", topic), slog.Any("error", err))
		}
	}()
}

func (p *Publisher) PricesWritten(area types.BiddingArea, date delivery.Date, obs []types.PriceObservation) {
	if len(obs) == 0 {
		return
	}
	msg := PriceMessage{
		Area:     area,
		Date:     date,
		Currency: obs[0].Currency,
		Prices:   make([]PricePoint, len(obs)),
	}
	for i, o := range obs {
		msg.Prices[i] = PricePoint{Start: o.Timestamp, Price: o.Price, Resolution: o.ResolutionMinutes}
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("encoding price message", slog.Any("error", err))
		return
	}
	p.publish(fmt.Sprintf("prices/%s/%s", area, date), true, payload)
}

func (p *Publisher) RunFinished(rec types.RunRecord) {
	payload, err := json.Marshal(rec)
	if err != nil {
		p.logger.Error("encoding run record", slog.Any("error", err))
		return
	}
	p.publish("runs/last", true, payload)

	status := func(area types.BiddingArea, outcome string) {
		b, err := json.Marshal(StatusMessage{Area: area, Outcome: outcome, At: rec.FinishedAt, RunId: rec.ID.String()})
		if err != nil {
			p.logger.Error("encoding status message", slog.Any("error", err))
			return
		}
		p.publish("status/"+string(area), true, b)
	}
	for _, area := range rec.Succeeded {
		status(area, "succeeded")
	}
	for area, reason := range rec.Failed {
		status(area, reason)
	}
}
