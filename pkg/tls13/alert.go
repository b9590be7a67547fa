package tls13

import "fmt"

// alert codes used on the wire. Every alert this implementation sends is
// fatal; warning-level close_notify is the one benign inbound case.
type alert uint8

const (
	alertCloseNotify        alert = 0
	alertUnexpectedMessage  alert = 10
	alertBadRecordMAC       alert = 20
	alertRecordOverflow     alert = 22
	alertHandshakeFailure   alert = 40
	alertBadCertificate     alert = 42
	alertCertificateExpired alert = 45
	alertUnknownCA          alert = 48
	alertDecodeError        alert = 50
	alertDecryptError       alert = 51
	alertProtocolVersion    alert = 70
	alertMissingExtension   alert = 109
	alertUnrecognizedName   alert = 112
)

var alertNames = map[alert]string{
	alertCloseNotify:        "close_notify",
	alertUnexpectedMessage:  "unexpected_message",
	alertBadRecordMAC:       "bad_record_mac",
	alertRecordOverflow:     "record_overflow",
	alertHandshakeFailure:   "handshake_failure",
	alertBadCertificate:     "bad_certificate",
	alertCertificateExpired: "certificate_expired",
	alertUnknownCA:          "unknown_ca",
	alertDecodeError:        "decode_error",
	alertDecryptError:       "decrypt_error",
	alertProtocolVersion:    "protocol_version",
	alertMissingExtension:   "missing_extension",
	alertUnrecognizedName:   "unrecognized_name",
}

func (a alert) String() string {
	if s, ok := alertNames[a]; ok {
		return s
	}
	return fmt.Sprintf("alert(%d)", uint8(a))
}

// AlertError reports a fatal alert received from the peer.
type AlertError struct {
	Code uint8
}

func (e *AlertError) Error() string {
	return fmt.Sprintf("tls13: received fatal alert: %s", alert(e.Code))
}
