package logger

import "github.com/sirupsen/logrus"

// Redactor rewrites text before it is written to the log
type Redactor func(string) string

// redactHook applies a Redactor to the message and to every string or error
// field of an entry. logrus fires hooks on a copy of the entry's data, so
// the fields of the parent logger are left untouched.
type redactHook struct {
	redact Redactor
}

func (h *redactHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *redactHook) Fire(entry *logrus.Entry) error {
	entry.Message = h.redact(entry.Message)
	for key, value := range entry.Data {
		switch v := value.(type) {
		case string:
			entry.Data[key] = h.redact(v)
		case error:
			entry.Data[key] = h.redact(v.Error())
		}
	}
	return nil
}
