package provider

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// BRCode is the data of a PIX copy-paste code (EMV merchant-presented QR).
type BRCode struct {
	Key          string
	MerchantName string
	MerchantCity string
	TxID         string
	Amount       decimal.Decimal
}

// String renders the payload including its CRC16 checksum.
func (b BRCode) String() string {
	var sb strings.Builder
	sb.WriteString(emv("00", "01"))
	sb.WriteString(emv("01", "12"))
	sb.WriteString(emv("26", emv("00", "br.gov.bcb.pix")+emv("01", b.Key)))
	sb.WriteString(emv("52", "0000"))
	sb.WriteString(emv("53", "986"))
	if b.Amount.IsPositive() {
		sb.WriteString(emv("54", b.Amount.StringFixed(2)))
	}
	sb.WriteString(emv("58", "BR"))
	sb.WriteString(emv("59", truncate(b.MerchantName, 25)))
	sb.WriteString(emv("60", truncate(b.MerchantCity, 15)))
	sb.WriteString(emv("62", emv("05", txID(b.TxID))))
	sb.WriteString("6304")
	return sb.String() + fmt.Sprintf("%04X", crc16(sb.String()))
}

func emv(id, value string) string {
	return fmt.Sprintf("%s%02d%s", id, len(value), value)
}

// txID keeps the alphanumeric characters PIX accepts, at most 25 of them.
func txID(s string) string {
	out := make([]byte, 0, 25)
	for i := 0; i < len(s) && len(out) < 25; i++ {
		c := s[i]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return "***"
	}
	return string(out)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// crc16 is CRC-16/CCITT-FALSE as required by the BR Code layout.
func crc16(s string) uint16 {
	crc := uint16(0xFFFF)
	for i := 0; i < len(s); i++ {
		crc ^= uint16(s[i]) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
