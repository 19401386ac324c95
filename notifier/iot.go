// Package notifier publishes lifecycle outcomes to per-device
// notification topics over the IoT data plane.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/iotdataplane"
	"github.com/aws/aws-sdk-go/service/iotdataplane/iotdataplaneiface"

	"github.com/fleetpki/device-cert-provisioning-backend/interfaces"
)

// deviceIDPlaceholder is substituted with the device ID in topic
// templates.
const deviceIDPlaceholder = "{deviceId}"

// TopicConfig holds the per-outcome topic templates and the delivery
// quality level. Templates carry a "{deviceId}" placeholder.
type TopicConfig struct {
	SuccessTemplate string
	FailureTemplate string
	QoS             int64
}

// IoTPublisher implements interfaces.ResponseChannel by publishing JSON
// outcomes to MQTT topics through the IoT data plane. The publish is
// fire-and-forget: nothing is awaited beyond the publish call itself.
type IoTPublisher struct {
	dp  iotdataplaneiface.IoTDataPlaneAPI
	cfg TopicConfig
	log *slog.Logger
}

// NewIoTPublisher creates a response channel over the given data plane
// client.
func NewIoTPublisher(client iotdataplaneiface.IoTDataPlaneAPI, cfg TopicConfig, log *slog.Logger) *IoTPublisher {
	return &IoTPublisher{dp: client, cfg: cfg, log: log}
}

// Publish sends the outcome to the device's success or failure topic
// depending on the outcome status.
func (p *IoTPublisher) Publish(ctx context.Context, outcome interfaces.ResponseOutcome) error {
	template := p.cfg.SuccessTemplate
	if outcome.Status == interfaces.OutcomeFailed {
		template = p.cfg.FailureTemplate
	}
	topic := strings.ReplaceAll(template, deviceIDPlaceholder, outcome.DeviceID.String())

	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome for %s: %w", outcome.DeviceID, err)
	}

	_, err = p.dp.PublishWithContext(ctx, &iotdataplane.PublishInput{
		Topic:   aws.String(topic),
		Qos:     aws.Int64(p.cfg.QoS),
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	p.log.Debug("Published outcome", "topic", topic, "status", string(outcome.Status))
	return nil
}
