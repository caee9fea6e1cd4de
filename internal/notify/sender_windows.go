//go:build windows

package notify

import "github.com/go-toast/toast"

func platformSender(appID string) Sender {
	return func(title, message string) error {
		n := toast.Notification{
			AppID:   appID,
			Title:   title,
			Message: message,
		}
		return n.Push()
	}
}
