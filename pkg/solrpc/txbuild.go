package solrpc

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/mr-tron/base58"
)

// SystemProgramID is the native program that executes lamport transfers.
const SystemProgramID = "11111111111111111111111111111111"

const (
	pubkeyLength    = 32
	signatureLength = 64

	// Instruction tag for the system program's Transfer variant.
	systemInstructionTransfer uint32 = 2
)

// BuildTransferTransaction assembles an unsigned legacy transaction moving
// lamports from payer to recipient, with the payer as fee-payer. The payer's
// signature slot is zero-filled; the wallet fills it when signing.
func BuildTransferTransaction(payer string, recipient string, lamports uint64, recentBlockhash string) ([]byte, error) {
	payerKey, err := decodePubkey(payer)
	if err != nil {
		return nil, fmt.Errorf("payer: %w", err)
	}
	recipientKey, err := decodePubkey(recipient)
	if err != nil {
		return nil, fmt.Errorf("recipient: %w", err)
	}
	programKey, err := decodePubkey(SystemProgramID)
	if err != nil {
		return nil, fmt.Errorf("system program: %w", err)
	}
	blockhash, err := base58.Decode(recentBlockhash)
	if err != nil {
		return nil, fmt.Errorf("blockhash: %w", err)
	}
	if len(blockhash) != pubkeyLength {
		return nil, fmt.Errorf("blockhash: expected %d bytes, got %d", pubkeyLength, len(blockhash))
	}
	if lamports == 0 {
		return nil, fmt.Errorf("transfer amount must be positive")
	}

	var message bytes.Buffer
	// Header: one required signature (the fee-payer), no readonly signed
	// accounts, one readonly unsigned account (the system program).
	message.Write([]byte{1, 0, 1})

	writeCompactLength(&message, 3)
	message.Write(payerKey)
	message.Write(recipientKey)
	message.Write(programKey)

	message.Write(blockhash)

	instructionData := make([]byte, 12)
	binary.LittleEndian.PutUint32(instructionData[0:4], systemInstructionTransfer)
	binary.LittleEndian.PutUint64(instructionData[4:12], lamports)

	writeCompactLength(&message, 1)
	message.WriteByte(2) // program id index
	writeCompactLength(&message, 2)
	message.Write([]byte{0, 1}) // payer, recipient
	writeCompactLength(&message, len(instructionData))
	message.Write(instructionData)

	var transaction bytes.Buffer
	writeCompactLength(&transaction, 1)
	transaction.Write(make([]byte, signatureLength))
	transaction.Write(message.Bytes())
	return transaction.Bytes(), nil
}

func decodePubkey(encoded string) ([]byte, error) {
	key, err := base58.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base58: %w", err)
	}
	if len(key) != pubkeyLength {
		return nil, fmt.Errorf("expected %d bytes, got %d", pubkeyLength, len(key))
	}
	return key, nil
}

// writeCompactLength emits the compact-u16 length prefix used by the
// transaction wire format.
func writeCompactLength(buffer *bytes.Buffer, length int) {
	value := uint16(length)
	for {
		element := byte(value & 0x7f)
		value >>= 7
		if value == 0 {
			buffer.WriteByte(element)
			return
		}
		buffer.WriteByte(element | 0x80)
	}
}
