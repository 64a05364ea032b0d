//go:build !linux

package acquisition

func pinThread(int, int) error { return nil }
