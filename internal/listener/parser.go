// Package listener implements the Log Parser, the Chain Listener that
// subscribes to program logs and fans events out to callbacks, and a Mock
// Listener substrate for deterministic downstream tests.
package listener

import (
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"skillruntime/pkg/models"
)

// keywordTable maps a substring of an Anchor-style `Program log:` message to
// the event kind it identifies. Checked in order; the first match wins.
var keywordTable = []struct {
	keyword string
	kind    models.ChainEventKind
}{
	{"SkillRegistered", models.EventSkillRegistered},
	{"SkillUpdated", models.EventSkillUpdated},
	{"SkillDeprecated", models.EventSkillDeprecated},
	{"AgentCreated", models.EventAgentCreated},
	{"AgentUpdated", models.EventAgentUpdated},
	{"AgentClosed", models.EventAgentClosed},
	{"EscrowCreated", models.EventEscrowCreated},
	{"EscrowFunded", models.EventEscrowFunded},
	{"ResultCommitted", models.EventResultCommitted},
	{"EscrowReleased", models.EventEscrowReleased},
	{"EscrowCancelled", models.EventEscrowCancelled},
	{"EscrowDisputed", models.EventEscrowDisputed},
	{"TransferHookInitialized", models.EventTransferHookInit},
	{"TransferHookConfigUpdated", models.EventTransferHookConfig},
	{"TransferHookTransferHooked", models.EventTransferHookHooked},
}

const (
	programDataPrefix = "Program data: "
	feeBpsToken       = "fee_bps:"
	amountToken       = "amount:"
)

// ParseLogBatch classifies one (signature, [log-line], slot) batch into a
// ChainEvent. Returns nil if no line matched the keyword table and no
// program data line was present — an unrecognized batch carries no event.
func ParseLogBatch(programID, signature string, slot uint64, logs []string) *models.ChainEvent {
	kind := models.EventUnknown
	data := make(map[string]interface{})
	matched := false

	for _, line := range logs {
		if k, ok := classify(line); ok {
			kind = k
			matched = true
		}
		if raw, ok := extractProgramData(line); ok {
			data["raw_data"] = raw
			matched = true
		}
		if v, ok := extractNumericToken(line, feeBpsToken); ok {
			data["fee_bps"] = v
		}
		if v, ok := extractNumericToken(line, amountToken); ok {
			data["amount"] = v
		}
	}

	if !matched {
		return nil
	}

	return &models.ChainEvent{
		Kind:      kind,
		Signature: signature,
		Slot:      slot,
		Timestamp: time.Now().UTC(),
		ProgramID: programID,
		Data:      data,
		RawLines:  logs,
	}
}

func classify(line string) (models.ChainEventKind, bool) {
	for _, entry := range keywordTable {
		if strings.Contains(line, entry.keyword) {
			return entry.kind, true
		}
	}
	return "", false
}

// extractProgramData base64-decodes a `Program data: ...` line into a hex
// blob. Malformed base64 is ignored (returns false), never a parse error --
// the parser is append-only / best-effort by design.
func extractProgramData(line string) (string, bool) {
	idx := strings.Index(line, programDataPrefix)
	if idx == -1 {
		return "", false
	}
	encoded := strings.TrimSpace(line[idx+len(programDataPrefix):])
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", false
	}
	return hex.EncodeToString(decoded), true
}

// extractNumericToken finds the first integer following token in line.
func extractNumericToken(line, token string) (int64, bool) {
	idx := strings.Index(line, token)
	if idx == -1 {
		return 0, false
	}
	rest := strings.TrimSpace(line[idx+len(token):])
	end := 0
	for end < len(rest) && (rest[end] == '-' || (rest[end] >= '0' && rest[end] <= '9')) {
		end++
	}
	if end == 0 {
		return 0, false
	}
	v, err := strconv.ParseInt(rest[:end], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
