package hl7

import "testing"

func TestParseORU(t *testing.T) {
	rm, err := ParseORU([]byte(sampleORU))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rm.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(rm.Results))
	}

	wbc := rm.Results[0]
	if wbc.TestCode != "WBC" || wbc.TestName != "White Blood Cells" {
		t.Errorf("unexpected test id: %q / %q", wbc.TestCode, wbc.TestName)
	}
	if wbc.Value != "6.2" || wbc.Unit != "10*9/L" || wbc.ReferenceRange != "4.0-11.0" {
		t.Errorf("unexpected value fields: %q %q %q", wbc.Value, wbc.Unit, wbc.ReferenceRange)
	}
	if wbc.Flag != "N" || wbc.Status != "F" {
		t.Errorf("unexpected flag/status: %q / %q", wbc.Flag, wbc.Status)
	}
	if wbc.PatientID != "PAT-42" || wbc.PatientName != "Jane Doe" {
		t.Errorf("unexpected patient: %q / %q", wbc.PatientID, wbc.PatientName)
	}
	if len(wbc.Comments) != 1 || wbc.Comments[0] != "Slight hemolysis noted" {
		t.Errorf("expected NTE comment on first OBX, got %v", wbc.Comments)
	}

	hgb := rm.Results[1]
	if hgb.Flag != "H" {
		t.Errorf("expected flag H, got %q", hgb.Flag)
	}
	if len(hgb.Comments) != 0 {
		t.Errorf("second OBX should have no comments, got %v", hgb.Comments)
	}
}

func TestParseORUSampleIdentifiers(t *testing.T) {
	rm, err := ParseORU([]byte(sampleORU))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// OBR-3 (filler) wins, OBR-2 (placer) is retained separately.
	if rm.Results[0].SampleID != "FIL-100" {
		t.Errorf("expected filler id FIL-100, got %q", rm.Results[0].SampleID)
	}
	if rm.Results[0].PlacerID != "ORD-100" {
		t.Errorf("expected placer id ORD-100, got %q", rm.Results[0].PlacerID)
	}

	// Without OBR-3, the placer number is used.
	raw := "MSH|^~\\&|A|B|C|D|20240301120000||ORU^R01|M1|P|2.5.1\r" +
		"OBR|1|ORD-200||GLU^Glucose\r" +
		"OBX|1|NM|GLU^Glucose|1|95|mg/dL|70-110|N||F\r"
	rm, err = ParseORU([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rm.Results[0].SampleID != "ORD-200" {
		t.Errorf("expected fallback to placer id, got %q", rm.Results[0].SampleID)
	}
}

func TestParseORURejectsOtherTypes(t *testing.T) {
	raw := "MSH|^~\\&|A|B|C|D|20240301120000||ADT^A01|M1|P|2.5.1\r"
	if _, err := ParseORU([]byte(raw)); err == nil {
		t.Error("expected error for non-ORU message")
	}
}

func TestGenerateACK(t *testing.T) {
	incoming, err := Parse([]byte(sampleORU))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ack := GenerateACK(incoming, "AA", "")
	if ack.Type != "ACK^R01" {
		t.Errorf("expected ACK^R01, got %q", ack.Type)
	}
	msa := ack.Segment("MSA")
	if msa == nil {
		t.Fatal("expected MSA segment")
	}
	if msa.Field(1) != "AA" || msa.Field(2) != "MSG00001" {
		t.Errorf("unexpected MSA fields: %q / %q", msa.Field(1), msa.Field(2))
	}
	if ack.Segment("ERR") != nil {
		t.Error("AA ack should carry no ERR segment")
	}
	// Sender and receiver swap.
	if ack.SendingApp != "LIS" || ack.ReceivingApp != "ANALYZER" {
		t.Errorf("expected swapped endpoints, got %q -> %q", ack.SendingApp, ack.ReceivingApp)
	}

	nak := GenerateACK(incoming, "AE", "no mapping for GLU")
	errSeg := nak.Segment("ERR")
	if errSeg == nil {
		t.Fatal("expected ERR segment on AE")
	}
	if errSeg.Field(3) != "no mapping for GLU" {
		t.Errorf("unexpected ERR text: %q", errSeg.Field(3))
	}
}

func TestGenerateORM(t *testing.T) {
	msg := GenerateORM(Order{
		SendingApp:   "LIS",
		ReceivingApp: "ANALYZER",
		PatientID:    "PAT-42",
		PatientLast:  "Doe",
		PatientFirst: "Jane",
		OrderNumber:  "ORD-300",
		TestCode:     "GLU",
		TestName:     "Glucose",
	})

	if msg.Type != "ORM^O01" {
		t.Errorf("expected ORM^O01, got %q", msg.Type)
	}
	orc := msg.Segment("ORC")
	if orc.Field(1) != "NW" || orc.Field(2) != "ORD-300" {
		t.Errorf("unexpected ORC: %q / %q", orc.Field(1), orc.Field(2))
	}
	obr := msg.Segment("OBR")
	if obr.Component(4, 1) != "GLU" {
		t.Errorf("expected test code GLU in OBR-4, got %q", obr.Component(4, 1))
	}
	if obr.Field(5) != "R" {
		t.Errorf("expected default priority R, got %q", obr.Field(5))
	}

	// The generated message must round-trip through the parser.
	if _, err := Parse(Serialize(msg)); err != nil {
		t.Errorf("generated ORM does not reparse: %v", err)
	}
}

func TestMapFlagVocabulary(t *testing.T) {
	cases := map[string]string{
		"N": "N", "H": "H", "L": "L",
		"HH": "HH", "PH": "HH", ">": "HH",
		"LL": "LL", "PL": "LL", "<": "LL",
		"POS": "POS", "POSITIVE": "POS", "REACTIVE": "POS",
		"NEG": "NEG", "NEGATIVE": "NEG", "NONREACTIVE": "NEG", "NON-REACTIVE": "NEG",
		"A": "ABN", "AA": "ABN", "ABN": "ABN",
		"??": "", "": "",
	}
	for in, want := range cases {
		if got := MapFlag(in); got != want {
			t.Errorf("MapFlag(%q) = %q, want %q", in, got, want)
		}
	}
}
