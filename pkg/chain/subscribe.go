package chain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// LogNotification is one `(signature, [log-line], slot)` batch delivered by
// a logsSubscribe notification.
type LogNotification struct {
	Signature string
	Slot      uint64
	Logs      []string
	Err       string
}

type subscribeRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type subscribeAck struct {
	Result int `json:"result"`
	ID     int `json:"id"`
}

type logsNotificationEnvelope struct {
	Method string `json:"method"`
	Params struct {
		Result struct {
			Value struct {
				Signature string   `json:"signature"`
				Err       interface{} `json:"err"`
				Logs      []string `json:"logs"`
			} `json:"value"`
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
		} `json:"result"`
	} `json:"params"`
}

// Subscribe opens a logsSubscribe websocket connection mentioning
// programID at commitment "confirmed" and returns a channel of decoded
// notifications. The channel is closed when ctx is cancelled or the
// connection is closed by Close; callers are responsible for reconnection
// policy (the Chain Listener owns that).
func (c *Client) Subscribe(ctx context.Context, programID string) (<-chan LogNotification, func() error, error) {
	conn, _, err := websocket.Dial(ctx, c.wsURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("chain: websocket dial: %w", err)
	}

	req := subscribeRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "logsSubscribe",
		Params: []interface{}{
			map[string]interface{}{"mentions": []string{programID}},
			map[string]string{"commitment": "confirmed"},
		},
	}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe write failed")
		return nil, nil, fmt.Errorf("chain: logsSubscribe write: %w", err)
	}

	var ack subscribeAck
	if err := wsjson.Read(ctx, conn, &ack); err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe ack failed")
		return nil, nil, fmt.Errorf("chain: logsSubscribe ack: %w", err)
	}

	out := make(chan LogNotification)
	closeFn := func() error {
		return conn.Close(websocket.StatusNormalClosure, "listener stopped")
	}

	go func() {
		defer close(out)
		for {
			var raw json.RawMessage
			if err := wsjson.Read(ctx, conn, &raw); err != nil {
				return
			}
			var env logsNotificationEnvelope
			if err := json.Unmarshal(raw, &env); err != nil {
				continue
			}
			if env.Method != "logsNotification" {
				continue
			}
			n := LogNotification{
				Signature: env.Params.Result.Value.Signature,
				Slot:      env.Params.Result.Context.Slot,
				Logs:      env.Params.Result.Value.Logs,
			}
			if env.Params.Result.Value.Err != nil {
				n.Err = fmt.Sprintf("%v", env.Params.Result.Value.Err)
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, closeFn, nil
}
