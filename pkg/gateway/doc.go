// Package gateway speaks the payment gateway's protocol in both directions.
//
// Inbound, the gateway posts notifications of five kinds (check, pay, fail,
// recurrent, cancel) with a Content-HMAC header. Verify must pass before the
// body is touched; Normalize then flattens the JSON or form body and Parse
// turns it into one of the Event variants. Amounts are converted from the
// gateway's major-unit decimals to int64 minor units at this boundary.
//
//	if err := gateway.Verify(secret, body, r.Header.Get(gateway.SignatureHeader)); err != nil {
//		// 401 {"code":13}
//	}
//	fields, err := gateway.Normalize(r.Header.Get("Content-Type"), body)
//	ev, err := gateway.Parse(kind, fields)
//	switch ev := ev.(type) {
//	case gateway.Pay:
//	case gateway.Recurrent:
//	}
//
// Outbound, Client wraps the REST calls the trial flow needs: voiding the
// verification hold and creating or cancelling a recurring subscription.
package gateway
