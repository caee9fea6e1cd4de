//go:build !windows

package notify

func platformSender(string) Sender {
	return nil
}
