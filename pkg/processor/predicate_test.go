package processor

import (
	"context"
	"testing"

	"tumblestream/pkg/commtypes"

	"github.com/Jeffail/gabs/v2"
)

func txnPayload(t *testing.T, raw string) *gabs.Container {
	payload, err := gabs.ParseJSON([]byte(raw))
	if err != nil {
		t.Fatal(err.Error())
	}
	return payload
}

func TestExprPredicateOverPayload(t *testing.T) {
	pred, err := NewExprPredicate(`amount > 5000.0 || suspicious`)
	if err != nil {
		t.Fatal(err.Error())
	}
	cases := []struct {
		raw  string
		want bool
	}{
		{`{"amount":8000.0,"suspicious":false}`, true},
		{`{"amount":100.0,"suspicious":true}`, true},
		{`{"amount":100.0,"suspicious":false}`, false},
	}
	for _, c := range cases {
		msg := commtypes.Message{Key: "TXN1", Value: txnPayload(t, c.raw)}
		got, err := pred.Assert(&msg)
		if err != nil {
			t.Fatal(err.Error())
		}
		if got != c.want {
			t.Fatalf("%s: expected %v, got %v", c.raw, c.want, got)
		}
	}
}

func TestExprPredicateSeesKey(t *testing.T) {
	pred, err := NewExprPredicate(`key == "USER1"`)
	if err != nil {
		t.Fatal(err.Error())
	}
	msg := commtypes.Message{Key: "USER1", Value: map[string]interface{}{}}
	ok, err := pred.Assert(&msg)
	if err != nil {
		t.Fatal(err.Error())
	}
	if !ok {
		t.Fatal("expected the key binding to match")
	}
}

func TestExprPredicateCompileError(t *testing.T) {
	if _, err := NewExprPredicate(`amount >`); err == nil {
		t.Fatal("expected a compile error")
	}
}

func TestExprPredicateNonBool(t *testing.T) {
	pred, err := NewExprPredicate(`amount + 1.0`)
	if err != nil {
		t.Fatal(err.Error())
	}
	msg := commtypes.Message{Key: "k", Value: map[string]interface{}{"amount": 2.0}}
	if _, err := pred.Assert(&msg); err == nil {
		t.Fatal("non-boolean result must fail")
	}
}

func TestStreamFilterProcessor(t *testing.T) {
	ctx := context.Background()
	pred, err := NewExprPredicate(`amount > 10.0`)
	if err != nil {
		t.Fatal(err.Error())
	}
	proc := NewStreamFilterProcessor("filter", pred)
	out, err := proc.ProcessAndReturn(ctx, commtypes.Message{
		Key: "k", Value: map[string]interface{}{"amount": 20.0},
	})
	if err != nil {
		t.Fatal(err.Error())
	}
	if len(out) != 1 {
		t.Fatalf("expected the message to pass, got %v", out)
	}
	out, err = proc.ProcessAndReturn(ctx, commtypes.Message{
		Key: "k", Value: map[string]interface{}{"amount": 5.0},
	})
	if err != nil {
		t.Fatal(err.Error())
	}
	if len(out) != 0 {
		t.Fatalf("expected the message to be filtered, got %v", out)
	}
}

func TestSelectKeyProcessor(t *testing.T) {
	ctx := context.Background()
	proc := NewStreamSelectKeyProcessor("selectKey", FieldKeySelector("user_id"))
	msg := commtypes.Message{
		Key:       "TXN1",
		Value:     txnPayload(t, `{"user_id":"USER7","amount":10.0}`),
		Timestamp: 123,
		Offset:    9,
	}
	out, err := proc.ProcessAndReturn(ctx, msg)
	if err != nil {
		t.Fatal(err.Error())
	}
	if out[0].Key.(string) != "USER7" {
		t.Fatalf("expected USER7, got %v", out[0].Key)
	}
	if out[0].Timestamp != 123 || out[0].Offset != 9 {
		t.Fatal("re-keying must preserve event time and offset")
	}
	_, err = proc.ProcessAndReturn(ctx, commtypes.Message{
		Key: "TXN2", Value: txnPayload(t, `{"amount":10.0}`),
	})
	if err == nil {
		t.Fatal("missing grouping field must fail the event")
	}
}
