package mqtt

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// API versions announced in the MQTT username
const (
	HubAPIVersion = "2021-04-12"
	DPSAPIVersion = "2019-03-31"
)

// Topic prefixes of the IoT Hub and DPS MQTT surfaces
const (
	TwinResponseFilter    = "$iothub/twin/res/#"
	DesiredPatchFilter    = "$iothub/twin/PATCH/properties/desired/#"
	MethodRequestFilter   = "$iothub/methods/POST/#"
	RegistrationFilter    = "$dps/registrations/res/#"
	twinResponsePrefix    = "$iothub/twin/res/"
	twinGetPrefix         = "$iothub/twin/GET/"
	reportedPatchPrefix   = "$iothub/twin/PATCH/properties/reported/"
	desiredPatchPrefix    = "$iothub/twin/PATCH/properties/desired/"
	methodRequestPrefix   = "$iothub/methods/POST/"
	methodResponsePrefix  = "$iothub/methods/res/"
	registrationResPrefix = "$dps/registrations/res/"
	registerPrefix        = "$dps/registrations/PUT/iotdps-register/"
	operationStatusPrefix = "$dps/registrations/GET/iotdps-get-operationstatus/"
)

// Message property keys carried in the telemetry topic
const (
	PropContentType     = "$.ct"
	PropContentEncoding = "$.ce"
)

// HubUsername builds the MQTT username for a device session
func HubUsername(hubHost, deviceID, modelID string) string {
	u := hubHost + "/" + deviceID + "/?api-version=" + HubAPIVersion
	if modelID != "" {
		u += "&model-id=" + url.QueryEscape(modelID)
	}
	return u
}

// DPSUsername builds the MQTT username for a registration session
func DPSUsername(scopeID, registrationID string) string {
	return scopeID + "/registrations/" + registrationID + "/api-version=" + DPSAPIVersion
}

// TelemetryTopic returns the device-to-cloud topic with the message
// properties encoded as a property bag. System properties come first.
func TelemetryTopic(deviceID string, contentType, contentEncoding string, props map[string]string) string {
	var bag []string
	if contentType != "" {
		bag = append(bag, PropContentType+"="+url.QueryEscape(contentType))
	}
	if contentEncoding != "" {
		bag = append(bag, PropContentEncoding+"="+url.QueryEscape(contentEncoding))
	}

	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		bag = append(bag, url.QueryEscape(k)+"="+url.QueryEscape(props[k]))
	}

	return "devices/" + deviceID + "/messages/events/" + strings.Join(bag, "&")
}

// ParseTelemetryTopic extracts the device id and the property bag of a
// telemetry topic.
func ParseTelemetryTopic(topic string) (deviceID string, props map[string]string, err error) {
	rest, ok := strings.CutPrefix(topic, "devices/")
	if !ok {
		return "", nil, fmt.Errorf("not a telemetry topic: %s", topic)
	}
	deviceID, bag, ok := strings.Cut(rest, "/messages/events/")
	if !ok || deviceID == "" {
		return "", nil, fmt.Errorf("not a telemetry topic: %s", topic)
	}

	props = make(map[string]string)
	if bag == "" {
		return deviceID, props, nil
	}
	values, err := url.ParseQuery(bag)
	if err != nil {
		return "", nil, fmt.Errorf("invalid property bag: %w", err)
	}
	for k := range values {
		props[k] = values.Get(k)
	}
	return deviceID, props, nil
}

// TwinGetTopic requests the full twin
func TwinGetTopic(rid string) string {
	return twinGetPrefix + "?$rid=" + rid
}

// ReportedPatchTopic sends a reported properties patch
func ReportedPatchTopic(rid string) string {
	return reportedPatchPrefix + "?$rid=" + rid
}

// TwinResponseTopic answers a twin request. A zero version is omitted.
func TwinResponseTopic(status int, rid string, version int64) string {
	t := twinResponsePrefix + strconv.Itoa(status) + "/?$rid=" + rid
	if version > 0 {
		t += "&$version=" + strconv.FormatInt(version, 10)
	}
	return t
}

// DesiredPatchTopic notifies a device of a desired properties change
func DesiredPatchTopic(version int64) string {
	return desiredPatchPrefix + "?$version=" + strconv.FormatInt(version, 10)
}

// MethodRequestTopic invokes a direct method on a device
func MethodRequestTopic(name, rid string) string {
	return methodRequestPrefix + name + "/?$rid=" + rid
}

// MethodResponseTopic answers a direct method invocation
func MethodResponseTopic(status int, rid string) string {
	return methodResponsePrefix + strconv.Itoa(status) + "/?$rid=" + rid
}

// RegisterTopic starts a DPS registration
func RegisterTopic(rid string) string {
	return registerPrefix + "?$rid=" + rid
}

// OperationStatusTopic polls a pending DPS registration
func OperationStatusTopic(rid, operationID string) string {
	return operationStatusPrefix + "?$rid=" + rid + "&operationId=" + url.QueryEscape(operationID)
}

// RegistrationResponseTopic answers a DPS request. A zero retryAfter is
// omitted.
func RegistrationResponseTopic(status int, rid string, retryAfter int) string {
	t := registrationResPrefix + strconv.Itoa(status) + "/?$rid=" + rid
	if retryAfter > 0 {
		t += "&retry-after=" + strconv.Itoa(retryAfter)
	}
	return t
}

// Response is a parsed response topic
type Response struct {
	Status     int
	RequestID  string
	Version    int64
	RetryAfter int
}

// ParseTwinResponseTopic parses $iothub/twin/res/{status}/?$rid={rid}[&$version={v}]
func ParseTwinResponseTopic(topic string) (*Response, error) {
	return parseResponse(topic, twinResponsePrefix)
}

// ParseRegistrationResponseTopic parses
// $dps/registrations/res/{status}/?$rid={rid}[&retry-after={s}]
func ParseRegistrationResponseTopic(topic string) (*Response, error) {
	return parseResponse(topic, registrationResPrefix)
}

// ParseMethodResponseTopic parses $iothub/methods/res/{status}/?$rid={rid}
func ParseMethodResponseTopic(topic string) (*Response, error) {
	return parseResponse(topic, methodResponsePrefix)
}

func parseResponse(topic, prefix string) (*Response, error) {
	rest, ok := strings.CutPrefix(topic, prefix)
	if !ok {
		return nil, fmt.Errorf("unexpected topic: %s", topic)
	}
	code, query, ok := strings.Cut(rest, "/?")
	if !ok {
		return nil, fmt.Errorf("missing query in topic: %s", topic)
	}
	status, err := strconv.Atoi(code)
	if err != nil {
		return nil, fmt.Errorf("invalid status in topic %s: %w", topic, err)
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("invalid query in topic %s: %w", topic, err)
	}

	r := &Response{Status: status, RequestID: values.Get("$rid")}
	if v := values.Get("$version"); v != "" {
		if r.Version, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid version in topic %s: %w", topic, err)
		}
	}
	if v := values.Get("retry-after"); v != "" {
		if r.RetryAfter, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid retry-after in topic %s: %w", topic, err)
		}
	}
	return r, nil
}

// ParseDesiredPatchTopic returns the version carried by a desired patch
// notification. The version is zero when the topic does not carry one.
func ParseDesiredPatchTopic(topic string) (int64, error) {
	rest, ok := strings.CutPrefix(topic, desiredPatchPrefix)
	if !ok {
		return 0, fmt.Errorf("not a desired patch topic: %s", topic)
	}
	values, err := url.ParseQuery(strings.TrimPrefix(rest, "?"))
	if err != nil {
		return 0, fmt.Errorf("invalid query in topic %s: %w", topic, err)
	}
	v := values.Get("$version")
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

// ParseMethodRequestTopic parses $iothub/methods/POST/{name}/?$rid={rid}
func ParseMethodRequestTopic(topic string) (name, rid string, err error) {
	rest, ok := strings.CutPrefix(topic, methodRequestPrefix)
	if !ok {
		return "", "", fmt.Errorf("not a method topic: %s", topic)
	}
	name, query, ok := strings.Cut(rest, "/?")
	if !ok || name == "" {
		return "", "", fmt.Errorf("malformed method topic: %s", topic)
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return "", "", fmt.Errorf("invalid query in topic %s: %w", topic, err)
	}
	return name, values.Get("$rid"), nil
}

// RequestKind identifies a device-originated request topic
type RequestKind int

const (
	RequestUnknown RequestKind = iota
	RequestTwinGet
	RequestReportedPatch
	RequestRegister
	RequestOperationStatus
)

// Request is a parsed device-originated request topic
type Request struct {
	Kind        RequestKind
	RequestID   string
	OperationID string
}

// ParseRequestTopic classifies the request topics a device publishes to
func ParseRequestTopic(topic string) Request {
	var kind RequestKind
	var query string
	switch {
	case strings.HasPrefix(topic, twinGetPrefix):
		kind, query = RequestTwinGet, strings.TrimPrefix(topic, twinGetPrefix)
	case strings.HasPrefix(topic, reportedPatchPrefix):
		kind, query = RequestReportedPatch, strings.TrimPrefix(topic, reportedPatchPrefix)
	case strings.HasPrefix(topic, registerPrefix):
		kind, query = RequestRegister, strings.TrimPrefix(topic, registerPrefix)
	case strings.HasPrefix(topic, operationStatusPrefix):
		kind, query = RequestOperationStatus, strings.TrimPrefix(topic, operationStatusPrefix)
	default:
		return Request{Kind: RequestUnknown}
	}

	values, err := url.ParseQuery(strings.TrimPrefix(query, "?"))
	if err != nil {
		return Request{Kind: RequestUnknown}
	}
	return Request{
		Kind:        kind,
		RequestID:   values.Get("$rid"),
		OperationID: values.Get("operationId"),
	}
}
