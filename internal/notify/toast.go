package notify

import (
	"fmt"
	"runtime"

	"github.com/go-toast/toast"
)

// toastNotifier surfaces a desktop toast for events severe enough to
// need an operator's attention without them watching a log, on the
// platforms that support it.
type toastNotifier struct {
	appID        string
	dashboardURL string
}

func newToastNotifier(appID, dashboardURL string) *toastNotifier {
	if appID == "" {
		appID = "taskflow"
	}
	return &toastNotifier{appID: appID, dashboardURL: dashboardURL}
}

func (t *toastNotifier) IsSupported() bool {
	return runtime.GOOS == "windows"
}

// Show pushes a toast with title/message, optionally deep-linking to
// dashboardURL when the operator clicks through.
func (t *toastNotifier) Show(title, message string) error {
	if !t.IsSupported() {
		return fmt.Errorf("toast notifications only supported on Windows")
	}
	n := toast.Notification{
		AppID:   t.appID,
		Title:   title,
		Message: message,
		Audio:   toast.Default,
	}
	if t.dashboardURL != "" {
		n.Actions = []toast.Action{{Type: "protocol", Label: "Open", Arguments: t.dashboardURL}}
	}
	return n.Push()
}
