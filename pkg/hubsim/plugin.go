package hubsim

import (
	"context"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
)

// plugin attaches a Hub to a gmqtt server. It authenticates connections
// and hands every published message to the hub before the broker routes
// it.
type plugin struct {
	hub     *Hub
	service gmqtt.Server
}

// Publish implements Publisher on the broker publish service. Messages
// published this way do not pass through OnMsgArrived.
func (p *plugin) Publish(topic string, payload []byte) {
	if p.service == nil {
		p.hub.logger.Warn().Str("topic", topic).Msg("Broker not loaded, dropping message")
		return
	}
	p.service.PublishService().Publish(gmqtt.NewMessage(topic, payload, packets.QOS_1))
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "hubsim" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnConnectWrapper:    p.OnConnectWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

// OnConnectWrapper verifies the SAS token presented as password
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		opts := client.OptionsReader()
		if err := p.hub.Authenticate(opts.ClientID(), opts.Password()); err != nil {
			p.hub.logger.Warn().Err(err).Str("client_id", opts.ClientID()).Msg("Connection refused")
			return packets.CodeNotAuthorized
		}
		p.hub.logger.Info().Str("client_id", opts.ClientID()).Str("username", opts.Username()).Msg("Client connected")
		return connect(ctx, client)
	}
}

// OnMsgArrivedWrapper routes device requests and telemetry to the hub
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		clientID := client.OptionsReader().ClientID()
		if !p.hub.HandlePublish(clientID, msg.Topic(), msg.Payload()) {
			return false
		}
		return arrived(ctx, client, msg)
	}
}
