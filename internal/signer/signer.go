// Package signer computes the request signature required by the
// marketplace's REST gateway.
package signer

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"
)

// Sign returns lowercase hex MD5 of "token&t&appKey&body".
func Sign(token string, timestampMs int64, appKey, body string) string {
	t := strconv.FormatInt(timestampMs, 10)
	sum := md5.Sum([]byte(token + "&" + t + "&" + appKey + "&" + body))
	return hex.EncodeToString(sum[:])
}

// Params returns the signed query parameters for one request. The request
// is signed with accessToken when present, else with the bootstrap token
// from the cookie bag; accessToken is only sent when present.
func Params(accessToken, bootstrap, appKey, body string, now time.Time) url.Values {
	ts := now.UnixMilli()
	token := accessToken
	if token == "" {
		token = bootstrap
	}
	v := url.Values{}
	v.Set("t", strconv.FormatInt(ts, 10))
	v.Set("sign", Sign(token, ts, appKey, body))
	v.Set("appKey", appKey)
	if accessToken != "" {
		v.Set("accessToken", accessToken)
	}
	return v
}
