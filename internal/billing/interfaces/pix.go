package interfaces

import (
	"fmt"
	"strings"

	billing "solarshare/internal/billing/domain"
)

// PaymentInfo identifies the payee embedded in the invoice payment code.
type PaymentInfo struct {
	Key          string
	MerchantName string
	City         string
}

// Enabled reports whether a payment code can be built.
func (p PaymentInfo) Enabled() bool { return p.Key != "" }

// BuildPixPayload renders the static PIX BR Code (EMV merchant-presented) for an invoice.
func BuildPixPayload(info PaymentInfo, inv *billing.Invoice) string {
	if !info.Enabled() || inv == nil {
		return ""
	}
	account := emv("00", "br.gov.bcb.pix") + emv("01", info.Key)
	txid := alnum(inv.ID, 25)
	if txid == "" {
		txid = "***"
	}

	var b strings.Builder
	b.WriteString(emv("00", "01"))
	b.WriteString(emv("26", account))
	b.WriteString(emv("52", "0000"))
	b.WriteString(emv("53", "986"))
	b.WriteString(emv("54", inv.InvoiceAmount.StringFixed(2)))
	b.WriteString(emv("58", "BR"))
	b.WriteString(emv("59", truncate(orDefault(info.MerchantName, "SOLARSHARE"), 25)))
	b.WriteString(emv("60", truncate(orDefault(info.City, "SAO PAULO"), 15)))
	b.WriteString(emv("62", emv("05", txid)))
	b.WriteString("6304")
	return b.String() + fmt.Sprintf("%04X", crc16CCITT([]byte(b.String())))
}

func emv(id, value string) string {
	return fmt.Sprintf("%s%02d%s", id, len(value), value)
}

// crc16CCITT is CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF).
func crc16CCITT(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func alnum(value string, max int) string {
	var b strings.Builder
	for _, r := range value {
		if b.Len() >= max {
			break
		}
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
