package badge

import (
	"crypto/rand"
	"encoding/base64"
	"testing"
)

func randomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.StdEncoding.EncodeToString(b)
}

func TestBadge(t *testing.T) {
	badge, err := BuildBadge(
		WithID("test"),
		WithCurveSelector(BadgeCurveSelectorP256))
	if err != nil {
		t.Fatal(err)
	}

	if badge.GetID() != "test" {
		t.Fatalf("GetID() = %s, want test", badge.GetID())
	}

	signed, err := badge.Sign([]byte("some data"))
	if err != nil {
		t.Fatal(err)
	}

	verified, err := badge.Verify(signed)
	if err != nil {
		t.Fatal(err)
	}
	if !verified {
		t.Fatal("verified is false")
	}

	if _, err := badge.Sign(nil); err == nil {
		t.Fatal("expected error signing empty data")
	}
}

func TestBadgeTamperedMessage(t *testing.T) {
	badge, err := BuildBadge(WithID("test"))
	if err != nil {
		t.Fatal(err)
	}

	signed, err := badge.Sign([]byte("asset:abc"))
	if err != nil {
		t.Fatal(err)
	}
	signed.Message = []byte("asset:abd")

	verified, err := badge.Verify(signed)
	if err != nil {
		t.Fatal(err)
	}
	if verified {
		t.Fatal("tampered message verified")
	}
}

func TestBadgeEncryptAndDecrypt(t *testing.T) {

	type testCase struct {
		CurveSelector BadgeCurveSelector
		Secret        []byte
		Data          string
	}

	testCases := []testCase{
		{BadgeCurveSelectorP256, []byte(randomString(16)), randomString(255)},
		{BadgeCurveSelectorP384, []byte(randomString(32)), randomString(255)},
		{BadgeCurveSelectorP521, []byte(randomString(64)), randomString(255)},
	}

	for _, testCase := range testCases {
		badge, err := BuildBadge(
			WithID("test"),
			WithCurveSelector(testCase.CurveSelector))
		if err != nil {
			t.Fatal(err)
		}

		badge2, err := BuildBadge(
			WithID("test2"),
			WithCurveSelector(testCase.CurveSelector))
		if err != nil {
			t.Fatal(err)
		}

		signed, err := badge.Sign([]byte(testCase.Data))
		if err != nil {
			t.Fatal(err)
		}

		verificationOne, err := badge.Verify(signed)
		if err != nil {
			t.Fatal(err)
		}
		if !verificationOne {
			t.Fatal("verificationOne is false")
		}

		failedVerification, err := badge2.Verify(signed)
		if err == nil {
			t.Fatal("expected error from different badge verification")
		}
		if failedVerification {
			t.Fatal("failedVerification is true")
		}

		encrypted, err := badge.EncryptBadge(testCase.Secret)
		if err != nil {
			t.Fatal(err)
		}

		decrypted, err := FromEncryptedBadge(testCase.Secret, encrypted)
		if err != nil {
			t.Fatal(err)
		}

		if decrypted.GetID() != badge.GetID() {
			t.Fatal("decrypted badge ID does not match original badge ID")
		}

		if decrypted.GetVersion() != badge.GetVersion() {
			t.Fatal("decrypted badge version does not match original badge version")
		}

		verificationTwo, err := decrypted.Verify(signed)
		if err != nil {
			t.Fatal(err)
		}
		if !verificationTwo {
			t.Fatal("verificationTwo is false [verification of signed data post flattening and expansion]")
		}

		if _, err := FromEncryptedBadge([]byte("wrong secret"), encrypted); err == nil {
			t.Fatal("expected error decrypting badge with the wrong secret")
		}
	}
}

func TestKeyring(t *testing.T) {
	node0, err := BuildBadge(WithID("node0"))
	if err != nil {
		t.Fatal(err)
	}
	node1, err := BuildBadge(WithID("node1"), WithCurveSelector(BadgeCurveSelectorP384))
	if err != nil {
		t.Fatal(err)
	}

	ring := NewKeyring()
	if err := ring.TrustEncoded("node0", EncodePublicKey(node0)); err != nil {
		t.Fatal(err)
	}
	if err := ring.Trust("node1", node1.PublicKey()); err != nil {
		t.Fatal(err)
	}

	signed, err := node1.Sign([]byte("claim"))
	if err != nil {
		t.Fatal(err)
	}

	t.Run("registered peer verifies", func(t *testing.T) {
		ok, err := ring.Verify("node1", signed)
		if err != nil || !ok {
			t.Fatalf("Verify() = %v, %v; want true, nil", ok, err)
		}
	})

	t.Run("claiming another node's identity fails", func(t *testing.T) {
		ok, err := ring.Verify("node0", signed)
		if err == nil || ok {
			t.Fatalf("Verify() = %v, %v; want false with error", ok, err)
		}
	})

	t.Run("unknown peer fails", func(t *testing.T) {
		ok, err := ring.Verify("node9", signed)
		if ok {
			t.Fatal("unknown peer verified")
		}
		be, isBadgeErr := err.(*BadgeError)
		if !isBadgeErr || be.Code != BadgeErrorUnknownPeer {
			t.Fatalf("expected BadgeErrorUnknownPeer, got %v", err)
		}
	})

	t.Run("garbage key rejected", func(t *testing.T) {
		if err := ring.Trust("bad", []byte{1, 2, 3}); err == nil {
			t.Fatal("expected error trusting garbage key")
		}
		if ring.Knows("bad") {
			t.Fatal("garbage key was registered")
		}
	})
}
