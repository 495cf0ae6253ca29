package util

import "github.com/sirupsen/logrus"

// ContinueOrFatal stops the process on start-up errors that leave nothing to serve.
func ContinueOrFatal(err error) {
	if err == nil {
		return
	}
	logrus.WithError(err).Fatal("unrecoverable start-up error")
}
