// Package export republishes the capture core's reports onto NATS
// subjects, so external consumers can observe connections without going
// through the host UI.
package export

import (
	"encoding/json"
	"log"

	"github.com/nats-io/nats.go"

	"tunscope/internal/core/model"
)

// Publisher sends connection and stats dumps to NATS.
type Publisher struct {
	nc           *nats.Conn
	subjectConns string
	subjectStats string
}

// connsMessage is the wire form of one connections dump.
type connsMessage struct {
	New     []model.ConnEvent `json:"new"`
	Updated []model.ConnEvent `json:"updated"`
}

// NewPublisher connects to the NATS server. subjectPrefix groups the
// subjects, e.g. "tunscope" publishes on tunscope.conns and
// tunscope.stats.
func NewPublisher(url, subjectPrefix string) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	log.Printf("Connected to NATS server at %s", url)
	return &Publisher{
		nc:           nc,
		subjectConns: subjectPrefix + ".conns",
		subjectStats: subjectPrefix + ".stats",
	}, nil
}

// PublishConns serializes one reporting cycle to JSON and publishes it.
func (p *Publisher) PublishConns(newConns, updated []model.ConnEvent) error {
	data, err := json.Marshal(connsMessage{New: newConns, Updated: updated})
	if err != nil {
		return err
	}
	return p.nc.Publish(p.subjectConns, data)
}

// PublishStats publishes one aggregate statistics dump.
func (p *Publisher) PublishStats(stats model.StatsEvent) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.subjectStats, data)
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		log.Println("NATS connection drained and closed.")
	}
}
