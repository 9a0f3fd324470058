// Package http exposes the series RPC surface and the read endpoints over
// HTTP using echo.
//
// Mutations are POST /rpc/<method> with a JSON body; every call answers 200
// with a result record whose success flag carries the outcome. Malformed
// bodies and unknown methods are transport errors and answer 4xx.
package http
