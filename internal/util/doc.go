// Package util provides small helpers shared by the relay packages.
//
// Key utilities:
//   - SafeTruncate: Safely truncates strings for logging sensitive data
package util
