package transport

import (
	"encoding/json"
	"fmt"
)

// loginRequest is the `{"op":"login",...}` frame (§6).
type loginRequest struct {
	Op   string       `json:"op"`
	Args [1]loginArgs `json:"args"`
}

type loginArgs struct {
	APIKey     string `json:"apiKey"`
	Passphrase string `json:"passphrase"`
	Timestamp  string `json:"timestamp"`
	Sign       string `json:"sign"`
}

// subscribeRequest is the `{"op":"subscribe",...}` frame (§6).
type subscribeRequest struct {
	Op   string          `json:"op"`
	Args []subscribeArgs `json:"args"`
}

type subscribeArgs struct {
	Channel  string `json:"channel"`
	InstType string `json:"instType"`
}

// envelope is the tagged-variant decode target for every inbound JSON
// frame. Duck-typed payloads become explicit variants (§9): LoginAck,
// SubscribeAck, OrderFrame, PositionFrame are distinguished by Event/Arg.
type envelope struct {
	Event string          `json:"event"`
	Code  string          `json:"code"`
	Msg   string          `json:"msg"`
	Arg   *frameArg       `json:"arg"`
	Data  json.RawMessage `json:"data"`
}

type frameArg struct {
	Channel  string `json:"channel"`
	InstType string `json:"instType"`
}

// LoginAck is the exchange's response to a login request.
type LoginAck struct {
	Code string
	Msg  string
}

// Accepted reports whether the login succeeded (§4.1: code="0").
func (a LoginAck) Accepted() bool { return a.Code == "0" }

// SubscribeAck is the exchange's response to a subscribe request.
type SubscribeAck struct {
	Channel string
	Code    string
	Msg     string
}

func (a SubscribeAck) Accepted() bool { return a.Code == "0" }

// OrderFrame carries zero or more order-channel data elements (§6).
type OrderFrame struct {
	Channel string
	Data    []OrderData
}

// OrderData is a single order-channel element, read per §6's required
// fields plus the remainder of the Order record (§3.1).
type OrderData struct {
	OrdId        string `json:"ordId"`
	ClOrdId      string `json:"clOrdId"`
	InstId       string `json:"instId"`
	Side         string `json:"side"`
	PosSide      string `json:"posSide"`
	OrdType      string `json:"ordType"`
	Px           string `json:"px"`
	Sz           string `json:"sz"`
	FillPx       string `json:"fillPx"`
	AccFillSz    string `json:"accFillSz"`
	State        string `json:"state"`
	Lever        string `json:"lever"`
	MgnMode      string `json:"mgnMode"`
	Tag          string `json:"tag"`
	FillTime     string `json:"fillTime"`
	UTime        string `json:"uTime"`
	CTime        string `json:"cTime"`
}

// PositionFrame carries zero or more position-channel data elements (§6).
type PositionFrame struct {
	Channel   string
	EventType string
	Data      []PositionData
}

// PositionData is a single position-channel element (§6).
type PositionData struct {
	PosId    string `json:"posId"`
	InstId   string `json:"instId"`
	PosSide  string `json:"posSide"`
	Pos      string `json:"pos"`
	AvailPos string `json:"availPos"`
	AvgPx    string `json:"avgPx"`
	UTime    string `json:"uTime"`
	MarkPx   string `json:"markPx"`
	Lever    string `json:"lever"`
	MgnMode  string `json:"mgnMode"`
}

type positionEnvelope struct {
	EventType string `json:"eventType"`
}

// Pong marks receipt of a pong response, JSON or literal text.
type Pong struct{}

// Frame is the parsed, tagged result of decodeFrame.
type Frame interface{ isFrame() }

func (LoginAck) isFrame()      {}
func (SubscribeAck) isFrame()  {}
func (OrderFrame) isFrame()    {}
func (PositionFrame) isFrame() {}
func (Pong) isFrame()          {}

// ErrUnknownFrame is returned for a recognizable JSON object this engine has
// no variant for; callers log and drop (§9).
var ErrUnknownFrame = fmt.Errorf("transport: unrecognized frame")

// decodeFrame classifies a single text message into one of the tagged
// variants. Literal "ping"/"pong" text frames are handled by the caller
// before this is reached.
func decodeFrame(raw []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("transport: parse frame: %w", err)
	}

	switch env.Event {
	case "login":
		return LoginAck{Code: env.Code, Msg: env.Msg}, nil
	case "subscribe":
		channel := ""
		if env.Arg != nil {
			channel = env.Arg.Channel
		}
		return SubscribeAck{Channel: channel, Code: env.Code, Msg: env.Msg}, nil
	case "error":
		return nil, fmt.Errorf("transport: exchange error %s: %s", env.Code, env.Msg)
	case "pong":
		return Pong{}, nil
	}

	if env.Arg == nil || len(env.Data) == 0 {
		return nil, fmt.Errorf("%w: event=%q", ErrUnknownFrame, env.Event)
	}

	switch env.Arg.Channel {
	case "orders":
		var data []OrderData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("transport: parse order data: %w", err)
		}
		return OrderFrame{Channel: env.Arg.Channel, Data: data}, nil
	case "positions":
		var pe positionEnvelope
		_ = json.Unmarshal(raw, &pe)
		var data []PositionData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("transport: parse position data: %w", err)
		}
		return PositionFrame{Channel: env.Arg.Channel, EventType: pe.EventType, Data: data}, nil
	default:
		return nil, fmt.Errorf("%w: channel=%q", ErrUnknownFrame, env.Arg.Channel)
	}
}
