// Package store provides the versioned rule store.
//
// Writes (create, update, activate, retire, enforcement toggles) are
// serialized and each produces a new rule version. Readers take a Snapshot,
// an immutable point-in-time view published atomically after every write, so
// a single evaluation sees one consistent rule set even while rules change.
//
// Rules may also be managed as YAML files. FileSource loads a file or
// directory into the store and, with Watch, reloads it on change using
// fsnotify. A failed reload leaves the previous rules in place.
package store
