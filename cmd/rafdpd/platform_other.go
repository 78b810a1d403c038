//go:build !darwin

package main

import "errors"

func sysctlMaxDatagram() (int, error) {
	return 0, errors.New("sysctlMaxDatagram is only meaningful on darwin")
}
