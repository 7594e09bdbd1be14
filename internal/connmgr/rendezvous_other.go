//go:build !linux

package connmgr

import "errors"

var errUnsupported = errors.New("connmgr: RFCOMM rendezvous requires Linux with BlueZ")

func newProfileRendezvous() (Rendezvous, error) { return nil, errUnsupported }

func newSocketRendezvous() (Rendezvous, error) { return nil, errUnsupported }
