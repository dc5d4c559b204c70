package utils

import (
	"net/http"
	"time"
)

const UserAgent = "Projectionist/1.0 <github.com/roxyhall/projectionist>"

type UARoundtripper struct {
	RT http.RoundTripper
}

func (uart *UARoundtripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Add("User-Agent", UserAgent)
	rt := uart.RT
	if rt == nil {
		rt = http.DefaultTransport
	}
	return rt.RoundTrip(req)
}

func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &UARoundtripper{},
		Timeout:   10 * time.Second,
	}
}
