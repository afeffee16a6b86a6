package isotp

import (
	"bytes"
	"testing"
)

func TestAddress_Normal11bits(t *testing.T) {
	addr := NewAddress(Normal11bits, 0x123, 0x456, 0, 0, 0, 0, 0, false, false)
	if addr.GetTxArbitrationId(Physical) != 0x123 {
		t.Fatalf("unexpected tx arbitration id: %X", addr.GetTxArbitrationId(Physical))
	}
	if !addr.IsForMe(CanMessage{ArbitrationId: 0x456, Data: []byte{0}}) {
		t.Fatalf("expected message addressed to rx id to be for me")
	}
	if addr.IsForMe(CanMessage{ArbitrationId: 0x457, Data: []byte{0}}) {
		t.Fatalf("expected message on other id to not be for me")
	}
	if len(addr.GetTxPayloadPrefix()) != 0 {
		t.Fatalf("normal addressing should have no tx payload prefix")
	}
}

func TestAddress_Extended11bits(t *testing.T) {
	addr := NewAddress(Extended11bits, 0x123, 0x456, 0xAA, 0xBB, 0, 0, 0, false, false)
	if !bytes.Equal(addr.GetTxPayloadPrefix(), []byte{0xAA}) {
		t.Fatalf("expected tx payload prefix to be target address")
	}
	good := CanMessage{ArbitrationId: 0x456, Data: []byte{0xBB, 1, 2}}
	if !addr.IsForMe(good) {
		t.Fatalf("expected message with matching source address byte to be for me")
	}
	bad := CanMessage{ArbitrationId: 0x456, Data: []byte{0xCC, 1, 2}}
	if addr.IsForMe(bad) {
		t.Fatalf("expected message with mismatched source address byte to not be for me")
	}
}

func TestAddress_NormalFixed29bits(t *testing.T) {
	addr := NewAddress(NormalFixed29bits, 0, 0, 0xAA, 0xBB, 0, 0, 0, false, false)
	txId := addr.GetTxArbitrationId(Physical)
	if txId != 0x18DA0000|(0xAA<<8)|0xBB {
		t.Fatalf("unexpected tx arbitration id: %X", txId)
	}
}

func TestAddress_PanicsOnMissingConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for missing rxid/txid")
		}
	}()
	NewAddress(Normal11bits, 0, 0, 0, 0, 0, 0, 0, false, false)
}

func TestAddress_TxOnlyPanicsOnRxAccess(t *testing.T) {
	addr := NewAddress(Normal11bits, 0x123, 0, 0, 0, 0, 0, 0, false, true)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic accessing rx side of a tx-only address")
		}
	}()
	addr.IsForMe(CanMessage{})
}

func TestAsymmetricAddress(t *testing.T) {
	tx := NewAddress(Mixed29bits, 0, 0, 0xAA, 0xBB, 0, 0, 0x5, false, true)
	rx := NewAddress(NormalFixed29bits, 0, 0, 0xBB, 0xAA, 0, 0, 0, true, false)
	asym := NewAsymmetricAddress(tx, rx)

	if asym.GetTxArbitrationId(Physical) != tx.GetTxArbitrationId(Physical) {
		t.Fatalf("asymmetric address should delegate tx id to tx side")
	}

	rxId := rx.GetRxArbitrationId(Physical)
	msg := CanMessage{ArbitrationId: rxId, Data: []byte{0}, ExtendedId: true}
	if !asym.IsForMe(msg) {
		t.Fatalf("asymmetric address should delegate IsForMe to rx side")
	}
}

func TestAsymmetricAddress_PanicsOnMisconfiguredSides(t *testing.T) {
	tx := NewAddress(Normal11bits, 0x123, 0, 0, 0, 0, 0, 0, false, true)
	symmetric := NewAddress(Normal11bits, 0x456, 0x789, 0, 0, 0, 0, 0, false, false)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic when rx address is not rx-only")
		}
	}()
	NewAsymmetricAddress(tx, symmetric)
}
