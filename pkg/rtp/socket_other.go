//go:build !linux && !darwin

package rtp

func setSockOptVoice(fd, dscp int) error {
	return nil
}
