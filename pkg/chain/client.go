package chain

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Client is the Challenger's and Listener's handle onto the ledger: an RPC
// endpoint for transaction submission and a websocket endpoint for log
// subscription.
type Client struct {
	rpcURL    string
	wsURL     string
	http      *http.Client
	log       zerolog.Logger
	demoMode  bool
	keypair   *Keypair
	programID string
}

// Config carries the construction parameters for a Client.
type Config struct {
	RPCURL          string
	WSURL           string
	EscrowProgramID string
	DemoMode        bool
	Keypair         *Keypair
	Logger          zerolog.Logger
}

// NewClient constructs a Client. A nil Keypair is tolerated: the client
// degrades gracefully (submission calls return an explanatory error) rather
// than failing construction, so a process can start up chain-optional.
func NewClient(cfg Config) *Client {
	return &Client{
		rpcURL:    cfg.RPCURL,
		wsURL:     cfg.WSURL,
		http:      &http.Client{Timeout: 15 * time.Second},
		log:       cfg.Logger,
		demoMode:  cfg.DemoMode,
		keypair:   cfg.Keypair,
		programID: cfg.EscrowProgramID,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chain: rpc transport: %w", err)
	}
	defer resp.Body.Close()
	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("chain: decode rpc response: %w", err)
	}
	if rr.Error != nil {
		return nil, fmt.Errorf("chain: rpc error %d: %s", rr.Error.Code, rr.Error.Message)
	}
	return rr.Result, nil
}

// SubmitChallenge signs and submits instr, returning the transaction
// signature. When the client is in demo mode the instruction is still
// fully built and signed, but sendTransaction is never called: a
// deterministic synthetic signature is returned instead, logged at warn
// level so it is never mistaken for a real submission.
func (c *Client) SubmitChallenge(ctx context.Context, instr Instruction, orderID string) (string, error) {
	if c.keypair == nil {
		return "", fmt.Errorf("chain: no signing keypair configured")
	}
	message := encodeInstructionMessage(instr)
	signature := c.keypair.Sign(message)

	if c.demoMode {
		sum := sha256.Sum256([]byte(orderID + "|" + instr.Accounts[0].PublicKey))
		synthetic := fmt.Sprintf("demo_%x", sum[:8])
		c.log.Warn().Str("order_id", orderID).Str("signature", synthetic).
			Msg("chain: demo mode active, skipping sendTransaction")
		return synthetic, nil
	}

	txPayload := map[string]interface{}{
		"message":   base64.StdEncoding.EncodeToString(message),
		"signature": base64.StdEncoding.EncodeToString(signature),
	}
	encoded, err := json.Marshal(txPayload)
	if err != nil {
		return "", err
	}
	result, err := c.call(ctx, "sendTransaction", []interface{}{base64.StdEncoding.EncodeToString(encoded), map[string]string{"encoding": "base64"}})
	if err != nil {
		return "", fmt.Errorf("chain: sendTransaction: %w", err)
	}
	var sig string
	if err := json.Unmarshal(result, &sig); err != nil {
		return "", fmt.Errorf("chain: decode sendTransaction result: %w", err)
	}
	return sig, nil
}

func encodeInstructionMessage(instr Instruction) []byte {
	var buf bytes.Buffer
	buf.WriteString(instr.ProgramID)
	for _, a := range instr.Accounts {
		buf.WriteString(a.PublicKey)
	}
	buf.Write(instr.Data)
	return buf.Bytes()
}
