package engine

import (
	"fmt"
	"os"
	"path/filepath"
)

// starterDictionary is written on first run so a fresh install converts
// something out of the box. Users grow their own dictionary from here;
// an existing file is never touched.
const starterDictionary = `{
  "version": 1,
  "entries": {
    "konna": ["こんな", "コンナ"],
    "konnichiwa": ["こんにちは", "今日は"],
    "henkan": ["変換", "へんかん"],
    "nihongo": ["日本語", "にほんご"],
    "kanji": ["漢字", "かんじ"],
    "kana": ["かな", "カナ", "仮名"],
    "watashi": ["私", "わたし"],
    "sekai": ["世界", "せかい"],
    "arigatou": ["ありがとう", "有難う"]
  }
}
`

// EnsureDictionary writes the starter dictionary to path unless a file
// already exists there. It returns whether a file was written.
func EnsureDictionary(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("engine: stat dictionary: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return false, fmt.Errorf("engine: create dictionary directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(starterDictionary), 0600); err != nil {
		return false, fmt.Errorf("engine: write starter dictionary: %w", err)
	}
	return true, nil
}
