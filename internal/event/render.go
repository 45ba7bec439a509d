package event

import "fmt"

// Summary produces a short plain-text notice for an event. Rich rendering
// (HTML mail bodies etc.) is the job of the surrounding system; this is the
// minimal fallback used for presence notices and plain mail.
func Summary(ev Event) string {
	switch e := ev.(type) {
	case Updated:
		if e.Commit.Message != "" {
			return fmt.Sprintf("%s was updated by %s: %s", e.Commit.Document, actor(e.Commit.Account), e.Commit.Message)
		}
		return fmt.Sprintf("%s was updated by %s", e.Commit.Document, actor(e.Commit.Account))
	case Deleted:
		return fmt.Sprintf("%s was deleted by %s", e.Commit.Document, actor(e.Commit.Account))
	case Forked:
		return fmt.Sprintf("%s was forked to %s by %s", e.Commit.Document, e.Target, actor(e.Commit.Account))
	case Chat:
		who := e.Author
		if who == "" {
			who = actor(e.Account)
		}
		return fmt.Sprintf("%s on %s: %s", who, e.Doc, e.Message)
	}
	return fmt.Sprintf("%s event on %s", ev.Kind(), ev.Document())
}

// Subject produces a mail subject line for an event.
func Subject(ev Event) string {
	switch ev.Kind() {
	case KindChat:
		return fmt.Sprintf("New message on %s", ev.Document())
	case KindDeleted:
		return fmt.Sprintf("%s was deleted", ev.Document())
	case KindForked:
		return fmt.Sprintf("%s was forked", ev.Document())
	default:
		return fmt.Sprintf("%s was updated", ev.Document())
	}
}

func actor(account string) string {
	if account == "" {
		return "someone"
	}
	return account
}
