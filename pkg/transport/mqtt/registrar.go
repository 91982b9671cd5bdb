package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/cuemby/assettracker/pkg/log"
	"github.com/cuemby/assettracker/pkg/security"
	"github.com/cuemby/assettracker/pkg/transport"
	"github.com/cuemby/assettracker/pkg/types"
)

// DefaultProvisioningHost is the global device provisioning endpoint
const DefaultProvisioningHost = "global.azure-devices-provisioning.net"

// DefaultPollInterval is used when the service does not send retry-after
const DefaultPollInterval = 3 * time.Second

// Registrar registers devices with a provisioning service over MQTT
type Registrar struct {
	// Endpoint is a host name (TLS on 8883) or a broker URL
	Endpoint     string
	Timeout      time.Duration
	PollInterval time.Duration
	TLSConfig    *tls.Config
}

// NewRegistrar returns a Registrar for endpoint; an empty endpoint means the
// global provisioning host.
func NewRegistrar(endpoint string) *Registrar {
	if endpoint == "" {
		endpoint = DefaultProvisioningHost
	}
	return &Registrar{
		Endpoint:     endpoint,
		Timeout:      DefaultTimeout,
		PollInterval: DefaultPollInterval,
	}
}

type registrationPayload struct {
	RegistrationID string         `json:"registrationId"`
	Payload        map[string]any `json:"payload,omitempty"`
}

type operationResponse struct {
	OperationID       string                    `json:"operationId"`
	Status            types.RegistrationStatus  `json:"status"`
	RegistrationState *types.RegistrationResult `json:"registrationState,omitempty"`
}

type errorResponse struct {
	ErrorCode int    `json:"errorCode"`
	Message   string `json:"message"`
}

type dpsReply struct {
	resp    *Response
	payload []byte
}

// Register sends a registration request and polls the operation until it
// reaches a final state. A failed or disabled registration is returned as a
// result, not an error; errors mean the exchange itself failed.
func (r *Registrar) Register(ctx context.Context, req types.RegistrationRequest) (*types.RegistrationResult, error) {
	logger := log.ForDevice("provisioning", req.RegistrationID)

	key, err := security.DecodeKey(req.DeviceKey)
	if err != nil {
		return nil, fmt.Errorf("invalid device key: %w", err)
	}
	brokerURL, host, err := BrokerURL(r.Endpoint)
	if err != nil {
		return nil, err
	}
	timeout := valueOr(r.Timeout, DefaultTimeout)

	token, err := security.NewSASToken(
		security.RegistrationResource(req.ScopeID, req.RegistrationID),
		key, "registration", time.Now().Add(security.DefaultTokenTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to sign registration token: %w", err)
	}

	replies := make(chan dpsReply, 4)
	opts := paho.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(req.RegistrationID).
		SetUsername(DPSUsername(req.ScopeID, req.RegistrationID)).
		SetPassword(token.String()).
		SetCleanSession(true).
		SetProtocolVersion(4).
		SetAutoReconnect(false)
	if isTLS(brokerURL) {
		opts.SetTLSConfig(clientTLS(r.TLSConfig, host))
	}

	client := paho.NewClient(opts)
	if err := wait(ctx, client.Connect(), timeout); err != nil {
		return nil, classify("connect to provisioning service", err)
	}
	defer client.Disconnect(250)

	sub := client.Subscribe(RegistrationFilter, qosAtLeastOnce, func(_ paho.Client, msg paho.Message) {
		resp, err := ParseRegistrationResponseTopic(msg.Topic())
		if err != nil {
			logger.Warn().Err(err).Msg("Malformed registration response")
			return
		}
		select {
		case replies <- dpsReply{resp: resp, payload: append([]byte(nil), msg.Payload()...)}:
		default:
			logger.Warn().Str("rid", resp.RequestID).Msg("Dropping unexpected registration response")
		}
	})
	if err := wait(ctx, sub, timeout); err != nil {
		return nil, classify("subscribe to registration responses", err)
	}

	body := registrationPayload{RegistrationID: req.RegistrationID}
	if req.ModelID != "" {
		body.Payload = map[string]any{"modelId": req.ModelID}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode registration request: %w", err)
	}

	rid := uuid.NewString()
	logger.Info().Str("scope_id", req.ScopeID).Msg("Registering device")
	if err := wait(ctx, client.Publish(RegisterTopic(rid), qosAtLeastOnce, false, payload), timeout); err != nil {
		return nil, classify("register", err)
	}

	pollInterval := valueOr(r.PollInterval, DefaultPollInterval)
	for {
		reply, err := awaitReply(ctx, replies, rid, timeout)
		if err != nil {
			return nil, err
		}

		switch {
		case reply.resp.Status == 202:
			var op operationResponse
			if err := json.Unmarshal(reply.payload, &op); err != nil {
				return nil, fmt.Errorf("failed to decode registration status: %w", err)
			}
			if op.OperationID == "" {
				return nil, fmt.Errorf("registration pending without operation id")
			}
			delay := pollInterval
			if reply.resp.RetryAfter > 0 {
				delay = time.Duration(reply.resp.RetryAfter) * time.Second
			}
			logger.Debug().Str("operation_id", op.OperationID).Dur("retry_after", delay).Msg("Registration in progress")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, transport.Timeout("register", ctx.Err())
			}

			rid = uuid.NewString()
			if err := wait(ctx, client.Publish(OperationStatusTopic(rid, op.OperationID), qosAtLeastOnce, false, []byte{}), timeout); err != nil {
				return nil, classify("poll registration", err)
			}

		case reply.resp.Status == 200:
			var op operationResponse
			if err := json.Unmarshal(reply.payload, &op); err != nil {
				return nil, fmt.Errorf("failed to decode registration result: %w", err)
			}
			if op.RegistrationState == nil {
				return &types.RegistrationResult{Status: op.Status}, nil
			}
			result := *op.RegistrationState
			if result.Status == "" {
				result.Status = op.Status
			}
			logger.Info().Str("status", string(result.Status)).Str("assigned_hub", result.AssignedHub).Msg("Registration finished")
			return &result, nil

		case reply.resp.Status == 429 || reply.resp.Status >= 500:
			return nil, statusError("register", reply.resp.Status)

		default:
			var e errorResponse
			_ = json.Unmarshal(reply.payload, &e)
			return &types.RegistrationResult{
				Status:       types.RegistrationFailed,
				ErrorCode:    e.ErrorCode,
				ErrorMessage: e.Message,
			}, nil
		}
	}
}

func awaitReply(ctx context.Context, replies <-chan dpsReply, rid string, timeout time.Duration) (dpsReply, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case reply := <-replies:
			if reply.resp.RequestID == rid {
				return reply, nil
			}
		case <-timer.C:
			return dpsReply{}, transport.Timeout("register", errors.New("no response from provisioning service"))
		case <-ctx.Done():
			return dpsReply{}, transport.Timeout("register", ctx.Err())
		}
	}
}
