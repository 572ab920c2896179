package tokenizer

// byteToUnicode reproduces GPT-2's reversible byte -> printable rune table.
// Printable latin-1 bytes map to themselves, every other byte is shifted
// above 255 so that no vocabulary entry contains whitespace or control runes.
func byteToUnicode() ([256]rune, map[rune]byte) {
	var enc [256]rune
	dec := make(map[rune]byte, 256)
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	n := 0
	for b := 0; b < 256; b++ {
		r := rune(b)
		if !printable(b) {
			r = rune(256 + n)
			n++
		}
		enc[b] = r
		dec[r] = byte(b)
	}
	return enc, dec
}

// ByteAlphabet returns the 256 printable runes bytes map to, in byte order.
func ByteAlphabet() string {
	enc, _ := byteToUnicode()
	return string(enc[:])
}
