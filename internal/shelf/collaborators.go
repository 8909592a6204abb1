package shelf

// Thumbnailer renders avatar thumbnails for cards.
type Thumbnailer interface {
	// Generate renders src and returns the stored thumbnail path.
	Generate(src string, cardID string) (string, error)
	Remove(cardID string) error
}

// Publisher fans named events out to live subscribers.
type Publisher interface {
	Publish(name string, payload any)
}

// Settings exposes the user-configured cards folder. An empty string means none.
type Settings interface {
	CardsFolderPath() (string, error)
}
