package scanning

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func sampleImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.Black)
	return img
}

var _ = Describe("isHEIC", func() {
	It("should detect the heic ftyp brand", func() {
		data := append([]byte{0, 0, 0, 24}, []byte("ftypheic")...)
		Expect(isHEIC(data, "")).To(BeTrue())
	})

	It("should detect the mif1 brand", func() {
		data := append([]byte{0, 0, 0, 24}, []byte("ftypmif1")...)
		Expect(isHEIC(data, "")).To(BeTrue())
	})

	It("should trust the declared MIME type", func() {
		Expect(isHEIC([]byte("whatever"), "image/heif")).To(BeTrue())
	})

	It("should reject other data", func() {
		Expect(isHEIC([]byte("\x89PNG\r\n\x1a\n0000"), "image/png")).To(BeFalse())
	})
})

var _ = Describe("sniffMIME", func() {
	It("should strip parameters and lowercase", func() {
		Expect(sniffMIME(nil, "Image/JPEG; charset=binary")).To(Equal("image/jpeg"))
	})

	It("should sniff when the type is missing", func() {
		var buf bytes.Buffer
		Expect(png.Encode(&buf, sampleImage())).To(Succeed())
		Expect(sniffMIME(buf.Bytes(), "")).To(Equal("image/png"))
	})

	It("should sniff octet-stream uploads", func() {
		Expect(sniffMIME([]byte("%PDF-1.7\n"), "application/octet-stream")).To(Equal("application/pdf"))
	})
})

var _ = Describe("toPNG", func() {
	It("should pass PNG data through", func() {
		var buf bytes.Buffer
		Expect(png.Encode(&buf, sampleImage())).To(Succeed())

		out, err := toPNG(buf.Bytes(), "image/png")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal(buf.Bytes()))
	})

	It("should convert JPEG to PNG", func() {
		var buf bytes.Buffer
		Expect(jpeg.Encode(&buf, sampleImage(), nil)).To(Succeed())

		out, err := toPNG(buf.Bytes(), "image/jpeg")
		Expect(err).NotTo(HaveOccurred())
		_, format, err := image.Decode(bytes.NewReader(out))
		Expect(err).NotTo(HaveOccurred())
		Expect(format).To(Equal("png"))
	})

	It("should reject empty input", func() {
		_, err := toPNG(nil, "image/png")
		Expect(err).To(HaveOccurred())
	})

	It("should reject unknown formats", func() {
		_, err := toPNG([]byte("plain text, not an image"), "text/plain")
		Expect(err).To(MatchError(ContainSubstring("unsupported image format")))
	})
})
