package transport

import "testing"

func TestLoginSignatureIsDeterministic(t *testing.T) {
	sig1 := loginSignature("mysecret", "1700000000")
	sig2 := loginSignature("mysecret", "1700000000")
	if sig1 != sig2 {
		t.Fatalf("expected deterministic signature, got %q and %q", sig1, sig2)
	}
}

func TestLoginSignatureDiffersByTimestamp(t *testing.T) {
	sig1 := loginSignature("mysecret", "1700000000")
	sig2 := loginSignature("mysecret", "1700000001")
	if sig1 == sig2 {
		t.Error("expected signature to change with timestamp")
	}
}

func TestDecodeFrameLoginAck(t *testing.T) {
	frame, err := decodeFrame([]byte(`{"event":"login","code":"0"}`))
	if err != nil {
		t.Fatalf("decodeFrame failed: %v", err)
	}
	ack, ok := frame.(LoginAck)
	if !ok {
		t.Fatalf("expected LoginAck, got %T", frame)
	}
	if !ack.Accepted() {
		t.Error("expected login ack to be accepted")
	}
}

func TestDecodeFrameLoginRejected(t *testing.T) {
	frame, err := decodeFrame([]byte(`{"event":"login","code":"50111","msg":"invalid key"}`))
	if err != nil {
		t.Fatalf("decodeFrame failed: %v", err)
	}
	ack := frame.(LoginAck)
	if ack.Accepted() {
		t.Error("expected login ack to be rejected")
	}
}

func TestDecodeFrameSubscribeAck(t *testing.T) {
	frame, err := decodeFrame([]byte(`{"event":"subscribe","arg":{"channel":"orders","instType":"SWAP"},"code":"0"}`))
	if err != nil {
		t.Fatalf("decodeFrame failed: %v", err)
	}
	ack, ok := frame.(SubscribeAck)
	if !ok {
		t.Fatalf("expected SubscribeAck, got %T", frame)
	}
	if ack.Channel != "orders" || !ack.Accepted() {
		t.Errorf("unexpected ack: %+v", ack)
	}
}

func TestDecodeFrameOrderFrame(t *testing.T) {
	raw := []byte(`{"arg":{"channel":"orders","instType":"SWAP"},"data":[{"ordId":"O1","clOrdId":"ETH-USDT-SWAP_buy_20260101000000_ab12","instId":"ETH-USDT-SWAP","side":"buy","posSide":"long","state":"filled","accFillSz":"1.0","uTime":"1700000000001"}]}`)
	frame, err := decodeFrame(raw)
	if err != nil {
		t.Fatalf("decodeFrame failed: %v", err)
	}
	of, ok := frame.(OrderFrame)
	if !ok {
		t.Fatalf("expected OrderFrame, got %T", frame)
	}
	if len(of.Data) != 1 || of.Data[0].OrdId != "O1" {
		t.Errorf("unexpected order data: %+v", of.Data)
	}
}

func TestDecodeFrameOrderFrameMissingClOrdId(t *testing.T) {
	raw := []byte(`{"arg":{"channel":"orders","instType":"SWAP"},"data":[{"ordId":"O2","instId":"ETH-USDT-SWAP","side":"sell","posSide":"long","state":"live","uTime":"1700000000002"}]}`)
	frame, err := decodeFrame(raw)
	if err != nil {
		t.Fatalf("decodeFrame failed: %v", err)
	}
	of := frame.(OrderFrame)
	if of.Data[0].ClOrdId != "" {
		t.Errorf("expected empty clOrdId, got %q", of.Data[0].ClOrdId)
	}
}

func TestDecodeFramePositionFrame(t *testing.T) {
	raw := []byte(`{"arg":{"channel":"positions","instType":"SWAP"},"eventType":"event_update","data":[{"posId":"P1","instId":"ETH-USDT-SWAP","posSide":"long","pos":"0","avgPx":"3000","uTime":"1700000000001","markPx":"3100"}]}`)
	frame, err := decodeFrame(raw)
	if err != nil {
		t.Fatalf("decodeFrame failed: %v", err)
	}
	pf, ok := frame.(PositionFrame)
	if !ok {
		t.Fatalf("expected PositionFrame, got %T", frame)
	}
	if pf.EventType != "event_update" || pf.Data[0].Pos != "0" {
		t.Errorf("unexpected position frame: %+v", pf)
	}
}

func TestDecodeFrameUnknownChannelDropped(t *testing.T) {
	raw := []byte(`{"arg":{"channel":"funding","instType":"SWAP"},"data":[{}]}`)
	_, err := decodeFrame(raw)
	if err == nil {
		t.Fatal("expected an error for an unrecognized channel")
	}
}
