package toolcall

import "testing"

func TestAccumulatorBridgesDeltas(t *testing.T) {
	acc := NewAccumulator(&Parser{KnownTools: known("read_file", "grep")})
	acc.Add(Delta{Index: 1, ID: "b", Name: "gr"})
	acc.Add(Delta{Index: 0, ID: "a", Name: "read_"})
	acc.Add(Delta{Index: 0, Name: "file", Arguments: `{"pa`})
	acc.Add(Delta{Index: 1, Name: "ep", Arguments: `{"pattern":`})
	acc.Add(Delta{Index: 0, Arguments: `th": "x"}`})
	acc.Add(Delta{Index: 1, Arguments: ` "y"}`})

	det := acc.Finish(true)
	if len(det.Malformed) != 0 {
		t.Fatalf("unexpected malformed: %+v", det.Malformed)
	}
	if len(det.Calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(det.Calls))
	}
	if det.Calls[0].ID != "a" || det.Calls[0].Tool != "read_file" || det.Calls[0].Args["path"] != "x" {
		t.Errorf("unexpected first call: %+v", det.Calls[0])
	}
	if det.Calls[1].Tool != "grep" || det.Calls[1].Args["pattern"] != "y" {
		t.Errorf("unexpected second call: %+v", det.Calls[1])
	}
	if acc.Len() != 0 {
		t.Error("Finish should reset pending calls")
	}
}

func TestAccumulatorEmptyArgs(t *testing.T) {
	acc := NewAccumulator(&Parser{})
	acc.Add(Delta{Index: 0, Name: "list_dir"})
	det := acc.Finish(true)
	if len(det.Calls) != 1 || len(det.Calls[0].Args) != 0 {
		t.Fatalf("expected one call with empty args, got %+v", det)
	}
	if det.Calls[0].ID == "" {
		t.Error("expected generated id")
	}
}

func TestAccumulatorIncompleteStreamIsTruncated(t *testing.T) {
	acc := NewAccumulator(&Parser{})
	acc.Add(Delta{Index: 0, Name: "write_file", Arguments: `{"path": "a`})
	det := acc.Finish(false)
	if len(det.Calls) != 0 || len(det.Malformed) != 1 {
		t.Fatalf("unexpected detection: %+v", det)
	}
	if det.Malformed[0].Reason != ReasonTruncated || det.Malformed[0].Tool != "write_file" {
		t.Errorf("unexpected malformed: %+v", det.Malformed[0])
	}
}

func TestAccumulatorBadArguments(t *testing.T) {
	acc := NewAccumulator(&Parser{})
	acc.Add(Delta{Index: 0, Name: "shell", Arguments: `{"command": }`})
	acc.Add(Delta{Index: 1, Arguments: `{}`})
	det := acc.Finish(true)
	if len(det.Malformed) != 2 {
		t.Fatalf("expected 2 malformed, got %+v", det)
	}
	if det.Malformed[0].Reason != ReasonMalformedJSON {
		t.Errorf("first reason = %q", det.Malformed[0].Reason)
	}
	if det.Malformed[1].Reason != ReasonValidationFailed {
		t.Errorf("second reason = %q", det.Malformed[1].Reason)
	}
}
