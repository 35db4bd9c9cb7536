package notify

const titleSuffix = " | Home Network Speed Test"

// Installed greets the user the first time the agent runs.
func Installed() Notification {
	return Notification{
		ID:    "installed",
		Level: Info,
		Title: "Installed" + titleSuffix,
		Message: "• The tester will now attempt to detect your Network Measurement Device.\n" +
			"• Run `wifitester dashboard` to open the device Dashboard.\n" +
			"• Automated tests of your home network will run in the background. You can view the results in the Dashboard.",
	}
}

// DeviceNotFound is the actionable DiscoveryFailure notice. online reports
// whether this host itself could reach the internet; nil means unknown.
func DeviceNotFound(id string, online *bool) Notification {
	msg := "Network Measurement Device could not be found. Please ensure:\n\n" +
		"1) the device is connected to power and connected to your network\n\n" +
		"2) your computer is connected to your network (\"online\")"
	if online != nil {
		if *online {
			msg += "\n\nThis computer is online, so the device itself is most likely unreachable."
		} else {
			msg += "\n\nThis computer appears to be offline."
		}
	}
	return Notification{
		ID:      id,
		Level:   Error,
		Title:   "Error" + titleSuffix,
		Message: msg,
		Sticky:  true,
	}
}
