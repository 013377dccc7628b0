package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoleOf(t *testing.T) {
	cases := map[string]Role{
		"purchase_order": RoleOrder,
		"PO":             RoleOrder,
		"delivery_note":  RoleDelivery,
		"do":             RoleDelivery,
		"DN":             RoleDelivery,
		"sales_invoice":  RoleInvoice,
		"si":             RoleInvoice,
		"unknown":        RoleOther,
		"":               RoleOther,
	}
	for in, want := range cases {
		assert.Equal(t, want, RoleOf(in), in)
	}
}

func TestParseDocType(t *testing.T) {
	assert.Equal(t, DocTypeSalesInvoice, ParseDocType("Invoice"))
	assert.Equal(t, DocTypeDeliveryNote, ParseDocType("delivery"))
	assert.Equal(t, DocTypeUnknown, ParseDocType("brochure"))
}

func TestStatusIsTerminal(t *testing.T) {
	assert.True(t, StatusMerged.IsTerminal())
	assert.True(t, StatusArchived.IsTerminal())
	assert.True(t, StatusQuarantined.IsTerminal())
	assert.False(t, StatusFailed.IsTerminal())
	assert.False(t, StatusSuccess.IsTerminal())
}
