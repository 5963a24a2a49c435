// Package gemini provides an implementation of the handlers.AI interface
// that uses Google's Gemini API for text, image, document and spreadsheet tasks.
//
// This package is an infrastructure adapter, connecting the task handlers to
// Google's external Gemini AI service. It translates between handler requests
// and the Gemini API without exposing the details of the external service to
// the queue.
//
// Key components:
//
// 1. Client:
//   - Implements the handlers.AI interface
//   - Handles communication with the Gemini API through google.golang.org/genai
//
// 2. Input files:
//   - Fetches remote documents, images and spreadsheets over HTTP
//   - Sends supported formats inline and rejects the rest
//
// 3. Error Handling:
//   - Translates safety blocks and empty answers into handlers.ErrContentBlocked
//     and handlers.ErrEmptyResponse
//   - Leaves transport failures untouched so the queue can retry them
//
// The client never retries a call itself; retries belong to the job queue.
package gemini
