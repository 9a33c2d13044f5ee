package storage

import "testing"

func TestBuildTicketPassPath(t *testing.T) {
	path, err := BuildObjectPath(PurposeTicketPass, PathParams{
		TicketNumber: "TCKT-AB12CDuser-12025010200",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "passes/TCKT-AB12CDuser-12025010200.pdf"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestBuildTicketPassPathCustomFileName(t *testing.T) {
	path, err := BuildObjectPath(PurposeTicketPass, PathParams{
		TicketNumber: "TCKT-XY99ZZuser-22025060101",
		FileName:     "pass-en.pdf",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "passes/pass-en.pdf" {
		t.Fatalf("unexpected path %s", path)
	}
}

func TestBuildReceiptPathUsesInvoiceNumber(t *testing.T) {
	path, err := BuildObjectPath(PurposeReceipt, PathParams{
		OrderID:       "pi_3P0abc123",
		InvoiceNumber: "INV-2025-001",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "orders/pi_3P0abc123/receipts/INV-2025-001.pdf"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestBuildObjectPathRejectsInvalidSegment(t *testing.T) {
	_, err := BuildObjectPath(PurposeTicketPass, PathParams{
		TicketNumber: "../bad",
	})
	if err == nil {
		t.Fatalf("expected error for invalid segment")
	}
}

func TestBuildObjectPathUnknownPurpose(t *testing.T) {
	if _, err := BuildObjectPath(AssetPurpose("unknown"), PathParams{}); err == nil {
		t.Fatalf("expected error for unknown purpose")
	}
}
