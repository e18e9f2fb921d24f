package chain

// SystemProgramID is the well-known Solana System Program address.
const SystemProgramID = "11111111111111111111111111111111"

// AccountMeta describes one account reference within an Instruction.
type AccountMeta struct {
	PublicKey  string
	IsSigner   bool
	IsWritable bool
}

// Instruction is a program invocation: a program id, its referenced
// accounts, and opaque instruction data.
type Instruction struct {
	ProgramID string
	Accounts  []AccountMeta
	Data      []byte
}

// BuildChallengeInstruction builds the instruction the Challenger submits:
// it references the order account, the challenger identity, and the system
// program, carrying the opaque proof blob as instruction data.
func BuildChallengeInstruction(escrowProgramID, orderAccount, challengerPubkey string, proof [64]byte) Instruction {
	return Instruction{
		ProgramID: escrowProgramID,
		Accounts: []AccountMeta{
			{PublicKey: orderAccount, IsSigner: false, IsWritable: true},
			{PublicKey: challengerPubkey, IsSigner: true, IsWritable: false},
			{PublicKey: SystemProgramID, IsSigner: false, IsWritable: false},
		},
		Data: proof[:],
	}
}

// ProofBlob truncates (or zero-pads) the UTF-8 encoding of a mismatch
// description to exactly 64 bytes, the on-chain program's `[u8; 64]` layout.
func ProofBlob(description string) [64]byte {
	var blob [64]byte
	copy(blob[:], description)
	return blob
}
